package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"browser-task-orchestrator/internal/agent"
	"browser-task-orchestrator/internal/broadcast"
	"browser-task-orchestrator/internal/browser"
	"browser-task-orchestrator/internal/orchestrator"
	"browser-task-orchestrator/internal/orchestrator/api"
	orchKafka "browser-task-orchestrator/internal/orchestrator/kafka"
	gorm_db "browser-task-orchestrator/pkg/db"
)

func main() {
	stdlog.Println("Browser Task Orchestrator starting...")

	appCtx, appCancel := context.WithCancel(context.Background())

	gormDB, err := gorm_db.NewGormDB()
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}
	stdlog.Println("Database initialized successfully.")

	store := orchestrator.NewGormStore(gormDB)
	stdlog.Println("Running database migrations...")
	if err := store.Migrate(); err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}
	stdlog.Println("Database migration successful.")

	kafkaProducer := orchKafka.NewKafkaProducer()

	provider, driver, cleanup, err := buildBrowserStack()
	if err != nil {
		stdlog.Fatalf("Failed to initialize browser stack: %v", err)
	}

	decider, err := agent.NewOpenAIDecider()
	if err != nil {
		stdlog.Fatalf("Failed to initialize decider: %v", err)
	}

	broadcaster := broadcast.New()

	cfg := orchestrator.DefaultOrchestratorConfig()
	if raw := os.Getenv("MAX_CONCURRENT_TASKS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
	if raw := os.Getenv("TASK_GLOBAL_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.GlobalTimeout = d
		}
	}

	orch, err := orchestrator.New(appCtx, cfg, store, provider, driver, decider, broadcaster, kafkaProducer)
	if err != nil {
		stdlog.Fatalf("Failed to create orchestrator: %v", err)
	}
	if err := orch.Recover(appCtx); err != nil {
		stdlog.Fatalf("Failed to recover persisted tasks: %v", err)
	}

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(serverAddr), server.WithExitWaitTime(5*time.Second))

	taskHandler := api.NewTaskHandler(orch)
	streamHandler := api.NewStreamHandler(orch, broadcaster)

	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", taskHandler.SubmitTask)
		taskGroup.GET("", taskHandler.ListTasks)
		taskGroup.GET("/:id", taskHandler.GetTask)
		taskGroup.GET("/:id/steps", taskHandler.GetTaskSteps)
		taskGroup.GET("/:id/events", streamHandler.StreamTaskEvents)
		taskGroup.POST("/:id/pause", taskHandler.PauseTask)
		taskGroup.POST("/:id/resume", taskHandler.ResumeTask)
		taskGroup.POST("/:id/cancel", taskHandler.CancelTask)
	}

	h.GET("/ping", func(c context.Context, ctxReq *app.RequestContext) {
		ctxReq.JSON(http.StatusOK, utils.H{"message": "pong"})
	})

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}

		if err := orch.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Orchestrator shutdown error: %v", err)
		}
		appCancel()

		if cleanup != nil {
			if err := cleanup(); err != nil {
				hlog.Errorf("Browser stack cleanup error: %v", err)
			}
		}

		if err := kafkaProducer.Close(); err != nil {
			hlog.Errorf("Kafka producer close error: %v", err)
		} else {
			hlog.Info("Kafka producer closed.")
		}
		hlog.Info("Browser Task Orchestrator gracefully shut down.")
	}()

	hlog.Infof("Browser Task Orchestrator fully initialized and starting Hertz server on %s...", serverAddr)
	h.Spin()
}

// buildBrowserStack selects the session provider from BROWSER_PROVIDER.
// "browserbase" pairs the remote session API with a CDP driver; "local"
// launches headless Chromium in-process, mainly for development.
func buildBrowserStack() (browser.Provider, browser.Driver, func() error, error) {
	providerName := os.Getenv("BROWSER_PROVIDER")
	if providerName == "" {
		providerName = "browserbase"
	}
	switch providerName {
	case "local":
		local, err := browser.NewLocalProvider()
		if err != nil {
			return nil, nil, nil, err
		}
		stdlog.Println("Using local headless browser provider.")
		return local, local, local.Close, nil
	default:
		provider, err := browser.NewBrowserbaseProvider()
		if err != nil {
			return nil, nil, nil, err
		}
		driver, err := browser.NewPlaywrightDriver()
		if err != nil {
			return nil, nil, nil, err
		}
		stdlog.Println("Using Browserbase session provider.")
		return provider, driver, nil, nil
	}
}
