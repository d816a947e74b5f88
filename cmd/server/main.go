package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clipdeck/api/internal/client"
	"github.com/clipdeck/api/internal/config"
	"github.com/clipdeck/api/internal/handler"
	"github.com/clipdeck/api/internal/middleware"
	"github.com/clipdeck/api/internal/service"
	"github.com/clipdeck/api/internal/store"
	ws "github.com/clipdeck/api/internal/websocket"
	"github.com/clipdeck/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize job database
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize upstream clients
	textClient := client.NewTextClient(&cfg.Text)
	ttsClient := client.NewTTSClient(&cfg.TTS)
	imageClient := client.NewImageClient(&cfg.Image)
	renderClient := client.NewRenderClient(&cfg.Render)

	var storage client.StorageClient
	if r2, err := client.NewR2Client(&cfg.R2); err != nil {
		log.Printf("Warning: R2 not configured, using in-memory storage: %v", err)
		storage = client.NewMockStorage("")
	} else {
		storage = r2
	}

	// Initialize services
	jobService := service.NewJobService(st, asynqClient)
	statusService := service.NewStatusService(
		st,
		renderClient,
		storage,
		hub,
		time.Duration(cfg.Pipeline.StuckAfterSec)*time.Second,
		cfg.Pipeline.MaxPollFailures,
	)

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, statusService)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		services := fiber.Map{
			"redis":  redisClient.Ping(c.Context()).Err() == nil,
			"text":   textClient.IsConfigured(),
			"tts":    ttsClient.IsConfigured(),
			"render": renderClient.IsConfigured(),
		}
		return c.JSON(fiber.Map{"status": "ok", "services": services})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.JobsPerHour), jobHandler.Submit)
	jobs.Get("/:jobId/status", rateLimiter.PollLimit(cfg.RateLimit.PollsPerMin), jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Post("/:jobId/cancel", rateLimiter.CancelLimit(cfg.RateLimit.CancelPerMin), jobHandler.Cancel)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, st, textClient, ttsClient, imageClient, storage, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	st *store.Store,
	textClient client.TextGenerator,
	ttsClient client.SpeechSynthesizer,
	imageClient client.ImageGenerator,
	storage client.StorageClient,
	hub *ws.Hub,
) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"pipeline": 10,
			},
		},
	)

	generateWorker := worker.NewGenerateWorker(st, textClient, ttsClient, imageClient, storage, hub)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePipeline, generateWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
