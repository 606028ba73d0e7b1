package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-rag-bot/internal/adapters/graph"
	"tg-rag-bot/internal/adapters/llm"
	"tg-rag-bot/internal/adapters/mtproto"
	"tg-rag-bot/internal/adapters/repo"
	"tg-rag-bot/internal/adapters/vault"
	"tg-rag-bot/internal/adapters/vector"
	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/cache"
	"tg-rag-bot/internal/infra/config"
	"tg-rag-bot/internal/infra/db"
	applog "tg-rag-bot/internal/infra/log"
	"tg-rag-bot/internal/infra/metrics"
	"tg-rag-bot/internal/infra/openai"
	"tg-rag-bot/internal/infra/queue"
	"tg-rag-bot/internal/infra/ratelimit"
	indexingusecase "tg-rag-bot/internal/usecase/indexing"
	parserusecase "tg-rag-bot/internal/usecase/parser"
	retentionusecase "tg-rag-bot/internal/usecase/retention"
	taggingusecase "tg-rag-bot/internal/usecase/tagging"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	if cfg.EncryptionKey == "" {
		logger.Fatal().Msg("ingestd: не указан ключ шифрования (ENCRYPTION_KEY)")
	}
	secrets, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestd: хранилище секретов не создано")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestd: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()

	limiter := ratelimit.NewRedisLimiter(redisClient, ratelimit.DefaultRules())
	sessionCache := cache.NewRedis(redisClient)

	var ingestQueue domain.IngestQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitIngestQueue(cfg.RabbitURL, cfg.IngestQueue)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingestd: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		ingestQueue = rabbit
	} else {
		logger.Warn().Msg("ingestd: RABBITMQ_URL не указан, очередь работает через Redis")
		ingestQueue = queue.NewRedisIngestQueue(redisClient, cfg.IngestQueue)
	}

	supervisor := mtproto.NewSupervisor(repoAdapter, repoAdapter, secrets, logger.With().Str("component", "supervisor").Logger())
	if err := supervisor.StartAll(ctx); err != nil {
		logger.Error().Err(err).Msg("ingestd: не все клиенты запущены")
	}
	defer supervisor.Close()

	parserSvc := parserusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter, supervisor, ingestQueue, limiter,
		time.Duration(cfg.Parser.IntervalMinutes)*time.Minute,
		cfg.Parser.BatchLimit, cfg.Parser.Workers,
		logger.With().Str("component", "parser").Logger(),
	)

	if cfg.OpenAI.APIKey == "" {
		logger.Fatal().Msg("ingestd: не указан ключ OpenAI (OPENAI_API_KEY)")
	}
	primary := llm.NewProvider(
		openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout),
		"openai", cfg.OpenAI.Model, cfg.OpenAI.Timeout,
	)
	var provider domain.ChatProvider = primary
	if cfg.Fallback.APIKey != "" && cfg.Fallback.Model != "" {
		fallback := llm.NewProvider(
			openai.NewClient(cfg.Fallback.APIKey, cfg.Fallback.BaseURL, cfg.Fallback.Timeout),
			"fallback", cfg.Fallback.Model, cfg.Fallback.Timeout,
		)
		provider = llm.NewFailover(primary, fallback, logger.With().Str("component", "llm").Logger())
	}

	taggingSvc := taggingusecase.NewService(
		repoAdapter, ingestQueue, provider, limiter,
		cfg.Tagging.Concurrency, cfg.Tagging.MaxAttempts,
		logger.With().Str("component", "tagging").Logger(),
	)

	embeddingKey := cfg.Embedding.APIKey
	if embeddingKey == "" {
		embeddingKey = cfg.OpenAI.APIKey
	}
	embedder := llm.NewEmbedder(
		openai.NewClient(embeddingKey, cfg.Embedding.BaseURL, cfg.Embedding.Timeout),
		cfg.Embedding.Model, cfg.Embedding.Dimension, cfg.Embedding.Timeout,
	)

	vectorStore := vector.NewPGVector(pool, cfg.Vector.Timeout)
	graphStore := graph.NewNeo4j(cfg.Neo4j.URL, "neo4j", cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Timeout)
	if err := graphStore.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("ingestd: граф недоступен на старте, зеркалирование будет повторяться")
	}

	indexingSvc := indexingusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter, vectorStore, graphStore, embedder, limiter,
		logger.With().Str("component", "indexing").Logger(),
	)

	go parserSvc.Run(ctx)
	go taggingSvc.Run(ctx)
	go indexingSvc.Run(ctx)

	if cfg.Cleanup.Enabled {
		retentionSvc := retentionusecase.NewService(
			repoAdapter, repoAdapter, vectorStore, graphStore, sessionCache,
			logger.With().Str("component", "retention").Logger(),
		)
		cronRunner, err := retentionSvc.Schedule(ctx, cfg.Cleanup.Schedule)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingestd: расписание очистки не настроено")
		}
		defer cronRunner.Stop()
	}

	logger.Info().Msg("ingestd: старт")
	<-ctx.Done()
	logger.Info().Msg("ingestd: остановка")
}
