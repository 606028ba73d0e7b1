package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-rag-bot/internal/adapters/graph"
	"tg-rag-bot/internal/adapters/llm"
	"tg-rag-bot/internal/adapters/mtproto"
	"tg-rag-bot/internal/adapters/repo"
	"tg-rag-bot/internal/adapters/telegram"
	"tg-rag-bot/internal/adapters/vault"
	"tg-rag-bot/internal/adapters/vector"
	"tg-rag-bot/internal/api"
	"tg-rag-bot/internal/domain"
	"tg-rag-bot/internal/infra/cache"
	"tg-rag-bot/internal/infra/config"
	"tg-rag-bot/internal/infra/db"
	httpinfra "tg-rag-bot/internal/infra/http"
	applog "tg-rag-bot/internal/infra/log"
	"tg-rag-bot/internal/infra/metrics"
	"tg-rag-bot/internal/infra/openai"
	"tg-rag-bot/internal/infra/ratelimit"
	authusecase "tg-rag-bot/internal/usecase/auth"
	channelsusecase "tg-rag-bot/internal/usecase/channels"
	groupdigestusecase "tg-rag-bot/internal/usecase/groupdigest"
	ragusecase "tg-rag-bot/internal/usecase/rag"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	if cfg.EncryptionKey == "" {
		logger.Fatal().Msg("ragd: не указан ключ шифрования (ENCRYPTION_KEY)")
	}
	secrets, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("ragd: хранилище секретов не создано")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("ragd: нет подключения к БД")
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

	supervisor := mtproto.NewSupervisor(repoAdapter, repoAdapter, secrets, logger.With().Str("component", "supervisor").Logger())
	if err := supervisor.StartAll(ctx); err != nil {
		logger.Error().Err(err).Msg("ragd: не все клиенты запущены")
	}
	defer supervisor.Close()

	authSvc := authusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter, sessionCache, secrets, supervisor,
		logger.With().Str("component", "auth").Logger(),
	)

	if cfg.OpenAI.APIKey == "" {
		logger.Fatal().Msg("ragd: не указан ключ OpenAI (OPENAI_API_KEY)")
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

	ragSvc := ragusecase.NewService(
		repoAdapter, repoAdapter, vectorStore, graphStore, embedder, provider, limiter,
		ragusecase.Flags{
			HybridSearch:             cfg.Features.HybridSearch,
			HybridSearchPercentage:   cfg.Features.HybridSearchPercentage,
			QueryExpansion:           cfg.Features.QueryExpansion,
			QueryExpansionPercentage: cfg.Features.QueryExpansionPercentage,
			QueryExpansionMaxTerms:   cfg.Features.QueryExpansionMaxTerms,
		},
		logger.With().Str("component", "rag").Logger(),
	)

	if cfg.Telegram.BotToken == "" {
		logger.Fatal().Msg("ragd: не указан токен бота (TG_BOT_TOKEN)")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("ragd: Bot API недоступен")
	}
	notifier := telegram.NewBotNotifier(bot, logger.With().Str("component", "notifier").Logger())

	digestSvc := groupdigestusecase.NewService(
		repoAdapter, repoAdapter, supervisor, provider, notifier, limiter,
		logger.With().Str("component", "groupdigest").Logger(),
	)

	go digestSvc.RunMentionScan(ctx, time.Duration(cfg.Mentions.ScanMinutes)*time.Minute)

	subsSvc := channelsusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter,
		logger.With().Str("component", "channels").Logger(),
	)

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	api.New(authSvc, ragSvc, digestSvc, subsSvc, repoAdapter, logger.With().Str("component", "api").Logger()).Mount(server.Router)

	go func() {
		if err := server.Start(":8080"); err != nil {
			logger.Error().Err(err).Msg("ragd: HTTP сервер остановлен")
			stop()
		}
	}()

	logger.Info().Msg("ragd: старт")
	<-ctx.Done()
	logger.Info().Msg("ragd: остановка")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
