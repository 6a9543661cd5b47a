package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/adapters/comfyui"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/adapters/docker"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/adapters/duckdb"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/adapters/smtp"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/adapters/taskstore"
	appconfig "github.com/HengLine/ai-diffusion-aigc-sub001/internal/config"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/services"
	"github.com/HengLine/ai-diffusion-aigc-sub001/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting hengline orchestrator")

	if err := run(logger); err != nil {
		logger.Error("orchestrator startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	loc := time.Local

	store, err := taskstore.New(logger, cfg.DataDir, loc)
	if err != nil {
		return fmt.Errorf("failed to init task store: %w", err)
	}

	var metrics ports.MetricsRepository
	if cfg.MetricsDB != "" {
		repo, err := duckdb.NewRepository(cfg.MetricsDB)
		if err != nil {
			return fmt.Errorf("failed to init metrics repository: %w", err)
		}
		defer repo.Close()
		metrics = repo
	}

	backend := comfyui.NewClient(logger, cfg.Backend.BaseURL)

	var launcher ports.BackendLauncher
	switch {
	case cfg.Backend.LocalSpawn != "":
		launcher = comfyui.NewProcessLauncher(logger, cfg.Backend.LocalSpawn, cfg.Backend.SpawnArgs...)
	case cfg.Backend.ContainerImage != "":
		launcher, err = docker.NewLauncher(logger, cfg.Backend.ContainerImage)
		if err != nil {
			return fmt.Errorf("failed to init backend launcher: %w", err)
		}
	}

	var notifier ports.Notifier
	mailer := smtp.NewNotifier(logger, smtp.Options{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		ToEmail:  cfg.Notify.ToEmail,
		ToName:   cfg.Notify.ToName,
	})
	if mailer.Enabled() {
		notifier = mailer
	}

	eventBus := services.NewEventBus(logger)
	queue := services.NewQueue(logger, store, metrics, eventBus, services.QueueConfig{
		ConcurrencyCap: cfg.ConcurrencyCap,
		Location:       loc,
	})
	queue.LoadAverages(ctx)

	executor := services.NewWorkflowExecutor(logger, queue, backend, launcher, cfg.WorkflowDir, cfg.OutputDir)
	for _, tt := range domain.AllTaskTypes {
		queue.RegisterExecutor(tt, executor)
	}

	if err := queue.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery failed: %w", err)
	}

	monitor := services.NewMonitor(logger, queue, backend, notifier, services.MonitorConfig{
		CheckInterval:     cfg.CheckInterval(),
		MaxExecutionCount: cfg.MaxExecutionCount,
		MaxRuntime:        cfg.MaxRuntime(),
		Location:          loc,
	})

	apiServer := kernel.NewServer(logger, queue, store, backend, eventBus, cfg.OutputDir, loc)
	handler, err := apiServer.Handler()
	if err != nil {
		return fmt.Errorf("failed to build api handler: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8360"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(handler),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return queue.Run(gCtx)
	})

	g.Go(func() error {
		return monitor.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
