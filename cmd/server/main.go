package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/apipat2499/omni-sales-sub013/internal/api"
	"github.com/apipat2499/omni-sales-sub013/internal/config"
	"github.com/apipat2499/omni-sales-sub013/internal/logger"
	"github.com/apipat2499/omni-sales-sub013/internal/remote"
	"github.com/apipat2499/omni-sales-sub013/internal/storage"
	syncengine "github.com/apipat2499/omni-sales-sub013/internal/sync"
)

func main() {
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync service")

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to open local storage", zap.Error(err))
	}
	defer store.Close()

	remoteClient, err := remote.NewMySQLClient(cfg.Remote)
	if err != nil {
		logger.Log.Fatal("Failed to connect to remote store", zap.Error(err))
	}
	defer remoteClient.Close()

	engine, err := syncengine.NewEngine(cfg.Sync, store, remoteClient)
	if err != nil {
		logger.Log.Fatal("Failed to init sync engine", zap.Error(err))
	}

	controller := syncengine.NewController(engine, cfg.Sync.GetInterval())
	if err := controller.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync controller", zap.Error(err))
	}
	defer controller.Stop()

	handler := api.NewHandler(engine, controller, cfg.Server)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
