package main

import (
	"context"
	"time"

	"modelhub/internal/config"
	"modelhub/internal/database"
	"modelhub/internal/logging"
	"modelhub/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		logger.Fatalf("执行迁移失败: %v", err)
	}

	logger.Println("迁移执行完成")
}
