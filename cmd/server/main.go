package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"modelhub/internal/api"
	"modelhub/internal/config"
	"modelhub/internal/contentstore"
	"modelhub/internal/database"
	"modelhub/internal/ledger"
	"modelhub/internal/logging"
	"modelhub/internal/repository/postgres"
	"modelhub/internal/staging"
	"modelhub/internal/storage"
	locals "modelhub/internal/storage/local"
	s3s "modelhub/internal/storage/s3"
	"modelhub/internal/tasks"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()
	logger.Println("配置加载完成，开始启动服务")

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("连接 Redis 失败: %v", err)
	}
	defer rdb.Close()

	var finals storage.Store
	if cfg.StorageDriver == "s3" {
		finals, err = s3s.New(ctx, s3s.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			logger.Fatalf("初始化 S3 存储失败: %v", err)
		}
	} else {
		finals = locals.New(cfg.StorageRoot, "")
	}

	led := ledger.New(rdb)
	content := contentstore.New()
	queue := tasks.NewClient(tasks.RedisOpt(cfg), cfg.TaskTimeout)
	defer queue.Close()

	stager := staging.NewStager(led, content, cfg.TempRoot, cfg.StagingTTL)
	committer := staging.NewCommitter(led, queue)

	catalogRepo := postgres.NewCatalogRepository(db)

	uploadHandler := api.NewUploadHandler(stager, committer, cfg.MaxUploadBytes)
	catalogHandler := api.NewCatalogHandler(catalogRepo, finals)

	router := api.NewRouter(cfg, uploadHandler, catalogHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	logger.Printf("服务监听端口 :%s\n", cfg.HTTPPort)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("监听失败: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("优雅关闭失败: %v", err)
	}

	logger.Println("服务已停止")
}
