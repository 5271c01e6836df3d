package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/ai"
	"github.com/quillhq/contextd/internal/bus"
	"github.com/quillhq/contextd/internal/cache"
	"github.com/quillhq/contextd/internal/config"
	"github.com/quillhq/contextd/internal/db"
	"github.com/quillhq/contextd/internal/filestore"
	"github.com/quillhq/contextd/internal/handler"
	"github.com/quillhq/contextd/internal/job"
	"github.com/quillhq/contextd/internal/lock"
	"github.com/quillhq/contextd/internal/middleware"
	"github.com/quillhq/contextd/internal/repo"
	"github.com/quillhq/contextd/internal/schedule"
	"github.com/quillhq/contextd/internal/service"
	"github.com/quillhq/contextd/internal/worker"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "contextd",
		Short: "contextd backend server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run contextd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			database, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := db.ApplyMigrations(database); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			return runServer(cfg, database)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func runServer(cfg *config.Config, database *sql.DB) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logutil.GetLogger(ctx).Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
		zap.String("ai_provider", cfg.AI.Provider),
	)

	contextRepo := repo.NewContextRepo(database)
	sessionRepo := repo.NewSessionRepo(database)
	embeddingRepo := repo.NewEmbeddingRepo(database)
	workspaceRepo := repo.NewWorkspaceRepo(database)
	docRepo := repo.NewDocRepo(database)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	configCache := cache.NewConfigCache(redisClient, time.Hour)
	mutex := lock.NewMutex(redisClient)

	producer, err := bus.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return fmt.Errorf("init kafka producer: %w", err)
	}
	defer producer.Close()
	consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Group, cfg.Kafka.Topic)
	if err != nil {
		return fmt.Errorf("init kafka consumer: %w", err)
	}
	defer consumer.Close()

	store, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	aiProvider, err := ai.NewProvider(cfg.AI.Provider, cfg.AI.Data)
	if err != nil {
		return fmt.Errorf("init ai provider: %w", err)
	}
	embedClient := ai.NewClient(aiProvider, cfg.AI.EmbedModel, cfg.AI.RerankModel)

	avail := &service.Availability{}
	contextService := service.NewContextService(
		contextRepo, sessionRepo, embeddingRepo, workspaceRepo,
		configCache, mutex, embedClient, producer, avail, cfg.Match,
	)
	if err := contextService.Setup(ctx); err != nil {
		return fmt.Errorf("probe embedding tables: %w", err)
	}
	workspaceService := service.NewWorkspaceService(workspaceRepo, producer, avail)

	embedWorker := worker.NewEmbedWorker(embeddingRepo, workspaceRepo, docRepo, store, embedClient, producer)
	embedWorker.Register(consumer)
	consumer.Handle(bus.EventDocEmbedFailed, func(ctx context.Context, env *bus.Envelope) error {
		evt := &bus.DocEmbedFailed{}
		if err := env.Decode(evt); err != nil {
			return err
		}
		return contextService.OnDocEmbedFailed(ctx, evt.ContextID, evt.DocID)
	})
	consumer.Handle(bus.EventFileEmbedFinished, func(ctx context.Context, env *bus.Envelope) error {
		evt := &bus.FileEmbedFinished{}
		if err := env.Decode(evt); err != nil {
			return err
		}
		return contextService.OnFileEmbedFinished(ctx, evt.ContextID, evt.FileID, evt.ChunkSize)
	})
	consumer.Handle(bus.EventFileEmbedFailed, func(ctx context.Context, env *bus.Envelope) error {
		evt := &bus.FileEmbedFailed{}
		if err := env.Decode(evt); err != nil {
			return err
		}
		return contextService.OnFileEmbedFailed(ctx, evt.ContextID, evt.FileID, evt.Error)
	})
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logutil.GetLogger(ctx).Error("consumer stopped", zap.Error(err))
		}
	}()

	scheduler := schedule.NewCron()
	if err := scheduler.Register(job.NewEmbeddingDiscoveryJob(docRepo, workspaceService)); err != nil {
		return fmt.Errorf("schedule discovery job: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Contexts:   handler.NewContextHandler(contextService, store),
		Workspaces: handler.NewWorkspaceHandler(contextService, workspaceService, store),
		JWTSecret:  []byte(cfg.JWTSecret),
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSAllowlist),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(ctx).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
