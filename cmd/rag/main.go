package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aihub/rag-go/internal/config"
	"github.com/aihub/rag-go/internal/database"
	"github.com/aihub/rag-go/internal/di"
	"github.com/aihub/rag-go/internal/kafka"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/aihub/rag-go/internal/services"
)

func main() {
	reindexKB := flag.Uint("reindex-kb", 0, "发送知识库重建索引事件后退出")
	reindexDoc := flag.Uint("reindex-doc", 0, "发送独立文档索引事件后退出")
	flag.Parse()

	// 加载.env（缺失时不致命）
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := logger.InitLogger(); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := config.LoadConfig(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// 一次性入队模式：把索引事件投递给正在运行的worker
	if *reindexKB != 0 || *reindexDoc != 0 {
		if !config.AppConfig.Kafka.Enabled {
			logger.Fatal("kafka is disabled, cannot enqueue index events")
		}
		producer, err := kafka.NewProducer(config.AppConfig.Kafka.Brokers, config.AppConfig.Kafka.Topic)
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		defer producer.Close()

		event := &kafka.DocumentProcessEvent{
			Action:          kafka.ActionIndexKnowledgeBase,
			KnowledgeBaseID: uint(*reindexKB),
		}
		if *reindexDoc != 0 {
			event.Action = kafka.ActionIndexDocument
			event.DocumentID = uint(*reindexDoc)
		}
		if err := producer.SendEvent(event); err != nil {
			logger.Fatal("failed to enqueue index event", zap.Error(err))
		}
		logger.Info("index event enqueued", zap.String("action", event.Action))
		return
	}

	gormDB, err := database.InitDB()
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.CloseDB()

	if _, err := database.InitRedis(); err != nil {
		logger.Warn("redis unavailable, progress reporting and query cache disabled", zap.Error(err))
	}
	defer database.CloseRedis()

	container := di.InitContainer()
	if err := di.RegisterProviders(container); err != nil {
		logger.Fatal("failed to register providers", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var healthChecker *database.HealthChecker
	if sqlDB, err := gormDB.DB(); err == nil {
		healthChecker = database.NewHealthChecker(sqlDB)
		go healthChecker.Start(ctx)
		go database.NewPoolStatsCollector(sqlDB).Start(ctx)
	}

	// Kafka消费：接收索引事件并驱动管线
	var consumer *kafka.Consumer
	if config.AppConfig.Kafka.Enabled {
		err := di.Invoke(func(indexing *services.IndexingService) error {
			handler := services.NewIndexEventHandler(indexing)
			c, err := kafka.NewConsumer(
				config.AppConfig.Kafka.Brokers,
				config.AppConfig.Kafka.GroupID,
				[]string{config.AppConfig.Kafka.Topic},
				handler,
			)
			if err != nil {
				return err
			}
			consumer = c
			return nil
		})
		if err != nil {
			logger.Fatal("failed to start kafka consumer", zap.Error(err))
		}
		consumer.Start()
	} else {
		logger.Info("kafka disabled, running without event consumer")
	}

	// 指标与健康检查
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if healthChecker != nil && !healthChecker.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		result := database.HealthCheckResult{Healthy: true}
		if healthChecker != nil {
			result = healthChecker.Result()
		}
		_ = json.NewEncoder(w).Encode(result)
	})

	port := os.Getenv("METRICS_PORT")
	if port == "" {
		port = "9090"
	}
	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("🚀 rag worker started",
		zap.String("env", config.AppConfig.Server.Env),
		zap.Bool("kafka", config.AppConfig.Kafka.Enabled))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("kafka consumer close failed", zap.Error(err))
		}
	}
	logger.Info("rag worker stopped")
}
