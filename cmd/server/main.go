package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"periscope/internal/artifacts"
	"periscope/internal/browser"
	"periscope/internal/config"
	"periscope/internal/dispatch"
	"periscope/internal/handlers"
	"periscope/internal/logging"
	"periscope/internal/middleware"
	"periscope/internal/policy"
	"periscope/internal/session"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Periscope browser engine...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()
	if cfg.WorkerKey == "" {
		log.Fatal("❌ WORKER_KEY environment variable is required")
	}
	log.Printf("📋 Configuration loaded (Port: %s, Storage: %s)", cfg.Port, cfg.StorageDir)

	store, err := artifacts.NewStore(cfg.StorageDir)
	if err != nil {
		log.Fatalf("❌ Failed to initialize artifact store: %v", err)
	}

	// Navigation policy
	allowlist := policy.NewAllowlist(cfg.NavAllowlist)
	if cfg.NavAllowlistFile != "" {
		if err := allowlist.WatchFile(cfg.NavAllowlistFile); err != nil {
			log.Fatalf("❌ Failed to watch allowlist file: %v", err)
		}
		defer allowlist.Close()
	}
	var robots *policy.RobotsChecker
	if cfg.RespectRobots {
		robots = policy.NewRobotsChecker()
		log.Println("🤖 robots.txt compliance enabled")
	}

	// Browser driver + session registry
	driver := browser.NewChromeDriver()
	registry := session.NewRegistry(driver, store, cfg)
	defer registry.CloseAll()

	dispatcher := dispatch.New(cfg, allowlist, robots, store)

	// Idle session reaper
	reaper, err := session.NewReaper(registry, cfg.SessionTTL, cfg.ReaperInterval)
	if err != nil {
		log.Fatalf("❌ Failed to create session reaper: %v", err)
	}
	if err := reaper.Start(); err != nil {
		log.Fatalf("❌ Failed to start session reaper: %v", err)
	}

	// Optional device presets
	var devices map[string]config.DevicePreset
	if cfg.DeviceFile != "" {
		devices, err = config.LoadDevices(cfg.DeviceFile)
		if err != nil {
			log.Fatalf("❌ Failed to load device presets: %v", err)
		}
		log.Printf("📱 Loaded %d device presets from %s", len(devices), cfg.DeviceFile)
	}

	// Handlers
	healthHandler := handlers.NewHealthHandler(registry)
	sessionHandler := handlers.NewSessionHandler(registry, dispatcher, cfg, devices)
	filesHandler := handlers.NewFilesHandler(store)
	wsHandler := handlers.NewWSHandler(registry, dispatcher)

	app := fiber.New(fiber.Config{
		AppName:      "Periscope v1.0",
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second, // frames go over the socket, HTTP stays snappy
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("periscope")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := cfg.AllowedOrigins
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,x-worker-key",
	}))

	// Routes. Everything except /health and /metrics requires the worker key.
	app.Get("/health", healthHandler.Handle)

	auth := middleware.WorkerKeyMiddleware(cfg.WorkerKey)

	sessionGroup := app.Group("/session", middleware.APIRateLimiter(), auth)
	sessionGroup.Post("/create", sessionHandler.Create)
	sessionGroup.Post("/:id/close", sessionHandler.Close)
	sessionGroup.Post("/:id/job/run", sessionHandler.Run)
	sessionGroup.Post("/:id/snapshot", sessionHandler.Snapshot)
	sessionGroup.Post("/:id/extract", sessionHandler.Extract)

	app.Get("/shots/*", auth, filesHandler.Serve)
	app.Get("/downloads/*", auth, filesHandler.Serve)

	// Data plane. Key + session checks run before the handshake completes.
	app.Use("/ws/:sessionId", auth, wsHandler.UpgradeGate)
	app.Get("/ws/:sessionId", websocket.New(wsHandler.Handle))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := reaper.Stop(); err != nil {
			log.Printf("⚠️ Error stopping reaper: %v", err)
		}
		registry.CloseAll()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
