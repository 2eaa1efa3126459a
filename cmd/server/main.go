package main

import (
	"context"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/chronicle-app/chronicle-backend/internal/api"
	"github.com/chronicle-app/chronicle-backend/internal/auth"
	"github.com/chronicle-app/chronicle-backend/internal/config"
	"github.com/chronicle-app/chronicle-backend/internal/database"
	"github.com/chronicle-app/chronicle-backend/internal/events"
	"github.com/chronicle-app/chronicle-backend/internal/jobs"
	"github.com/chronicle-app/chronicle-backend/internal/memoryext"
	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/pipeline"
	"github.com/chronicle-app/chronicle-backend/internal/repository/postgres"
	"github.com/chronicle-app/chronicle-backend/internal/session"
	"github.com/chronicle-app/chronicle-backend/internal/settings"
	"github.com/chronicle-app/chronicle-backend/internal/speaker"
	"github.com/chronicle-app/chronicle-backend/internal/summary"
	"github.com/chronicle-app/chronicle-backend/internal/transcribe"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Connect to database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer redisClient.Close()

	// Initialize repositories
	conversationRepo := postgres.NewConversationRepository(db.DB)
	chunkRepo := postgres.NewChunkRepository(db.DB)
	jobRepo := postgres.NewJobRepository(db.DB)
	settingsRepo := postgres.NewSettingsRepository(db.DB)
	memoryRepo := postgres.NewMemoryRepository(db.DB)

	// Initialize auth service
	jwtSecret := os.Getenv("CHRONICLE_JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "change-me-in-production" // Default for development
		log.Println("WARNING: Using default JWT secret. Set CHRONICLE_JWT_SECRET in production!")
	}
	authService := auth.NewService(jwtSecret)

	// Session registry backed by Redis
	registry := session.NewRegistry(session.NewRedisStore(redisClient))

	// Job queue and downstream workers
	broker := jobs.NewRedisBroker(redisClient)
	queue := jobs.NewQueue(broker, jobRepo)

	emitter := events.NewRedisEmitter(redisClient)
	settingsService := settings.NewService(settingsRepo, cfg.Pipeline.AlwaysPersistDefault)
	summaryService := summary.NewService(cfg.OpenAI, conversationRepo)
	memoryService := memoryext.NewService(cfg.OpenAI, conversationRepo, memoryRepo, emitter)
	speakerClient := speaker.NewClient(cfg.Speaker.BaseURL, cfg.Speaker.Enabled, conversationRepo)

	pool := jobs.NewWorkerPool(broker, jobRepo, cfg.Pipeline.WorkerCount)
	pool.Register(models.JobSpeakerRecognition, func(ctx context.Context, task jobs.Task) error {
		return speakerClient.IdentifyForConversation(ctx, task.Correlation.ConversationID)
	})
	pool.Register(models.JobMemoryExtraction, func(ctx context.Context, task jobs.Task) error {
		return memoryService.ExtractForConversation(ctx, task.Correlation.ConversationID)
	})
	pool.Register(models.JobTitleGeneration, func(ctx context.Context, task jobs.Task) error {
		return summaryService.GenerateForConversation(ctx, task.Correlation.ConversationID)
	})
	pool.Start(context.Background())
	defer pool.Stop()

	// Transcription provider
	provider, err := transcribe.NewProvider(cfg.Transcription)
	if err != nil {
		log.Fatal("Failed to initialize transcription provider:", err)
	}

	// Session pipeline engine
	engine := pipeline.NewEngine(
		registry,
		conversationRepo,
		chunkRepo,
		queue,
		provider,
		emitter,
		cfg.Pipeline,
		cfg.Transcription,
		settingsService.AlwaysPersistEnabled,
	)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Chronicle Backend",
		ErrorHandler: customErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     getOrigins(),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))

	api.SetupRoutes(app, api.Deps{
		Auth:          authService,
		Engine:        engine,
		Settings:      settingsService,
		Queue:         queue,
		Conversations: conversationRepo,
		Chunks:        chunkRepo,
		Memories:      memoryRepo,
	})

	// Start server
	port := os.Getenv("CHRONICLE_PORT")
	if port == "" {
		port = "8000"
	}

	log.Printf("Chronicle Backend starting on port %s", port)
	if err := app.Listen(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

func getOrigins() string {
	origins := os.Getenv("CHRONICLE_CORS_ORIGINS")
	if origins == "" {
		return "http://localhost:1420,http://localhost:5173,http://localhost:3000"
	}
	return origins
}
