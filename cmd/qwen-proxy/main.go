package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/auth"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/config"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/db"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/health"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/monitor"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/proxy/handlers"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/proxy/middleware"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/qwen"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/upstream"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/usage"
	"github.com/weiminghaoo/qwen-code-oai-proxy/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("qwen-proxy %s", version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store := auth.NewStore(cfg.CredentialsDir)
	manager := auth.NewManager(cfg.OAuth, store)
	tracker := health.NewTracker(filepath.Join(cfg.CredentialsDir, "failed_accounts.json"))
	ledger := usage.NewLedger(filepath.Join(cfg.CredentialsDir, "request_counts.json"))
	upstreamClient := upstream.NewClient()
	qwenClient := qwen.NewClient(cfg, store, manager, tracker, ledger, upstreamClient)

	database, err := db.InitDB(cfg.MonitorDB)
	if err != nil {
		log.Fatalf("Failed to initialize monitor database: %v", err)
	}
	proxyMonitor := monitor.NewProxyMonitor(database)
	proxyMonitor.SetEnabled(cfg.MonitorEnabled)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handlers.HealthHandler(store, tracker))

	r.Post("/auth/initiate", handlers.AuthInitiateHandler(manager))
	r.Post("/auth/poll", handlers.AuthPollHandler(manager))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Post("/chat/completions", handlers.ChatCompletionsHandler(qwenClient, proxyMonitor))
		r.Post("/embeddings", handlers.EmbeddingsHandler(qwenClient, proxyMonitor))
		r.Get("/models", handlers.ModelsHandler())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Get("/accounts", handlers.AccountsListHandler(store, tracker, ledger))
		r.Delete("/accounts/{id}", handlers.AccountDeleteHandler(store))
		r.Post("/accounts/{id}/refresh", handlers.AccountRefreshHandler(manager))
		r.Get("/usage", handlers.UsageHandler(ledger))
		r.Get("/requests", handlers.RequestsHandler(proxyMonitor))
	})

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("🚀 Qwen OpenAI proxy %s listening on http://%s", version.Info(), addr)
		log.Printf("🔌 OpenAI API: http://%s/v1", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("🛑 Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Shutdown error: %v", err)
	}
	if err := ledger.Flush(); err != nil {
		log.Printf("⚠️ Failed to flush usage ledger: %v", err)
	}
}
