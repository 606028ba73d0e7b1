package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`

	PGDSN string `envconfig:"TELEGRAM_DATABASE_URL"`

	EncryptionKey string `envconfig:"ENCRYPTION_KEY"`

	Redis struct {
		Host     string `envconfig:"REDIS_HOST" default:"localhost"`
		Port     int    `envconfig:"REDIS_PORT" default:"6379"`
		Password string `envconfig:"REDIS_PASSWORD"`
	} `envconfig:""`

	RabbitURL   string `envconfig:"RABBITMQ_URL"`
	IngestQueue string `envconfig:"INGEST_QUEUE_KEY" default:"ingest_events"`

	Telegram struct {
		BotToken string `envconfig:"TG_BOT_TOKEN"`
	} `envconfig:""`

	Parser struct {
		IntervalMinutes int `envconfig:"PARSER_INTERVAL_MINUTES" default:"30"`
		BatchLimit      int `envconfig:"PARSER_BATCH_LIMIT" default:"100"`
		Workers         int `envconfig:"PARSER_WORKERS" default:"4"`
	} `envconfig:""`

	Mentions struct {
		ScanMinutes int `envconfig:"MENTION_SCAN_MINUTES" default:"15"`
	} `envconfig:""`

	Cleanup struct {
		Enabled  bool   `envconfig:"CLEANUP_ENABLED" default:"true"`
		Schedule string `envconfig:"CLEANUP_SCHEDULE" default:"0 4 * * *"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Fallback struct {
		APIKey  string        `envconfig:"FALLBACK_API_KEY"`
		BaseURL string        `envconfig:"FALLBACK_BASE_URL"`
		Model   string        `envconfig:"FALLBACK_MODEL"`
		Timeout time.Duration `envconfig:"FALLBACK_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Embedding struct {
		APIKey    string        `envconfig:"EMBEDDING_API_KEY"`
		BaseURL   string        `envconfig:"EMBEDDING_BASE_URL"`
		Model     string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
		Dimension int           `envconfig:"EMBEDDING_DIMENSION" default:"1024"`
		Timeout   time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Neo4j struct {
		URL      string        `envconfig:"NEO4J_URL"`
		User     string        `envconfig:"NEO4J_USER" default:"neo4j"`
		Password string        `envconfig:"NEO4J_PASSWORD"`
		Timeout  time.Duration `envconfig:"NEO4J_TIMEOUT" default:"5s"`
	} `envconfig:""`

	Vector struct {
		Timeout time.Duration `envconfig:"VECTOR_TIMEOUT" default:"5s"`
	} `envconfig:""`

	Tagging struct {
		MaxAttempts int `envconfig:"TAGGING_MAX_ATTEMPTS" default:"3"`
		Concurrency int `envconfig:"TAGGING_CONCURRENCY" default:"1"`
	} `envconfig:""`

	Features struct {
		HybridSearch             bool `envconfig:"USE_HYBRID_SEARCH" default:"false"`
		HybridSearchPercentage   int  `envconfig:"HYBRID_SEARCH_PERCENTAGE" default:"0"`
		QueryExpansion           bool `envconfig:"USE_QUERY_EXPANSION" default:"false"`
		QueryExpansionPercentage int  `envconfig:"QUERY_EXPANSION_PERCENTAGE" default:"0"`
		QueryExpansionMaxTerms   int  `envconfig:"QUERY_EXPANSION_MAX_TERMS" default:"3"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
