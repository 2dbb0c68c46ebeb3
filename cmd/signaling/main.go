package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/meetverse/signaling-go/internals/config"
	"github.com/meetverse/signaling-go/internals/gateway"
	"github.com/meetverse/signaling-go/internals/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger := utils.GetLogger()
	logger.Info("Starting signaling coordinator")

	gw := gateway.NewGateway(cfg)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := gw.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start signaling server", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")

	gw.Stop()
	logger.Info("Signaling server stopped")
}
