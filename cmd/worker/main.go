package main

import (
	"context"
	"os"
	"os/signal"

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

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()
	logger.Println("配置加载完成，开始启动 worker")

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
	catalogRepo := postgres.NewCatalogRepository(db)

	queue := tasks.NewClient(tasks.RedisOpt(cfg), cfg.TaskTimeout)
	defer queue.Close()

	hostname, _ := os.Hostname()

	promoter := staging.NewPromoter(led, content, finals, catalogRepo, cfg.TempRoot, logger)
	reconciler := staging.NewReconciler(led, content, queue, staging.ReconcilerConfig{
		TempRoot:         cfg.TempRoot,
		Instance:         hostname,
		BatchSize:        cfg.SweepBatchSize,
		MemCeilingBytes:  uint64(cfg.SweepMemCeilingMB) * 1024 * 1024,
		TimeBudget:       cfg.TaskTimeout,
		OrphanSweepEvery: cfg.OrphanSweepEvery,
		Retention:        cfg.OrphanRetention,
	}, logger)

	handlers := &tasks.Handlers{
		Promoter:   promoter,
		Reconciler: reconciler,
		Content:    content,
		TempRoot:   cfg.TempRoot,
		Logger:     logger,
	}

	srv := tasks.NewServer(cfg)
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	scheduler, err := tasks.NewScheduler(cfg)
	if err != nil {
		logger.Fatalf("注册周期任务失败: %v", err)
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatalf("启动任务服务失败: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		logger.Fatalf("启动调度器失败: %v", err)
	}

	logger.Printf("worker 已启动 concurrency=%d instance=%s", cfg.WorkerConcurrency, hostname)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	scheduler.Shutdown()
	srv.Stop()
	srv.Shutdown()

	logger.Println("worker 已停止")
}
