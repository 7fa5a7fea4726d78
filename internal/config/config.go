package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	DBHost             string
	DBPort             int
	DBUser             string
	DBPassword         string
	DBName             string
	DBSSLMode          string
	// 鉴权配置
	AuthEnabled       bool     // 是否启用鉴权
	AuthDriver        string   // "apikey" 或 "supabase"
	APIKeys           []string // 有效的 API Keys 列表
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	// Redis（暂存账本与任务队列共用同一实例）
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// 存储配置
	TempRoot      string // 隔离区根目录，暂存文件全部落在这里
	StorageRoot   string // 本地正式存储根目录
	StorageDriver string // "local" 或 "s3"
	S3Endpoint    string // S3/MinIO 端点，不含协议
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3Region      string
	S3UseSSL      bool // 是否使用 HTTPS
	S3PathStyle   bool // 是否使用路径风格访问（MinIO 需要设为 true）
	// 暂存流水线配置。所有时长一律使用 Go duration 字符串（如 "90s"、"72h"），
	// 避免秒与天单位混用。
	StagingTTL      time.Duration // pending 条目的回收窗口，秒级
	OrphanRetention time.Duration // 孤儿文件的保留阈值，小时级
	MaxUploadBytes  int64
	// 后台任务配置
	SweepInterval     time.Duration // 过期清扫的调度周期
	OrphanSweepEvery  int           // 每 N 次过期清扫触发一次孤儿清扫
	SweepBatchSize    int           // 账本扫描批大小
	SweepMemCeilingMB int           // 清扫任务的常驻内存上限
	TaskTimeout       time.Duration // 单任务硬超时，同时也是分布式锁租期
	WorkerConcurrency int
}

// Load 从环境变量加载配置，并提供默认值。
func Load() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	tempRoot := envOrDefault("TEMP_ROOT", "./data/tmp")
	if err := ensureDir(tempRoot); err != nil {
		return nil, fmt.Errorf("确保隔离区目录失败: %w", err)
	}

	storageRoot := envOrDefault("STORAGE_ROOT", "./data/files")
	if err := ensureDir(storageRoot); err != nil {
		return nil, fmt.Errorf("确保存储目录失败: %w", err)
	}

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}

	rateLimitRequests, err := parseIntEnv("RATE_LIMIT_REQUESTS", 60)
	if err != nil {
		return nil, err
	}

	rateLimitWindow, err := parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	redisDB, err := parseIntEnv("REDIS_DB", 1)
	if err != nil {
		return nil, err
	}

	// 鉴权配置
	authEnabled := parseBoolEnv("AUTH_ENABLED", true)
	apiKeys := parseList(os.Getenv("API_KEYS"))
	if len(apiKeys) == 0 {
		// 开发环境默认 key
		apiKeys = []string{"dev-api-key-123456"}
	}

	stagingTTL, err := parseDurationEnv("STAGING_TTL", 90*time.Second)
	if err != nil {
		return nil, err
	}

	orphanRetention, err := parseDurationEnv("ORPHAN_RETENTION", 72*time.Hour)
	if err != nil {
		return nil, err
	}

	sweepInterval, err := parseDurationEnv("SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	orphanEvery, err := parseIntEnv("ORPHAN_SWEEP_EVERY", 12)
	if err != nil {
		return nil, err
	}

	sweepBatch, err := parseIntEnv("SWEEP_BATCH_SIZE", 200)
	if err != nil {
		return nil, err
	}

	memCeiling, err := parseIntEnv("SWEEP_MEM_CEILING_MB", 256)
	if err != nil {
		return nil, err
	}

	taskTimeout, err := parseDurationEnv("TASK_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	workerConcurrency, err := parseIntEnv("WORKER_CONCURRENCY", 10)
	if err != nil {
		return nil, err
	}

	maxUploadMB, err := parseIntEnv("MAX_UPLOAD_MB", 100)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:           port,
		CORSAllowedOrigins: corsOrigins,
		RateLimitRequests:  rateLimitRequests,
		RateLimitWindow:    rateLimitWindow,
		DBHost:             envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:             dbPort,
		DBUser:             envOrDefault("DB_USER", "modelhub"),
		DBPassword:         envOrDefault("DB_PASSWORD", "modelhub"),
		DBName:             envOrDefault("DB_NAME", "modelhub"),
		DBSSLMode:          envOrDefault("DB_SSL_MODE", "disable"),
		AuthEnabled:        authEnabled,
		AuthDriver:         envOrDefault("AUTH_DRIVER", "apikey"),
		APIKeys:            apiKeys,
		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseAnonKey:    os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseJWTSecret:  os.Getenv("SUPABASE_JWT_SECRET"),
		RedisAddr:          envOrDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            redisDB,
		TempRoot:           tempRoot,
		StorageRoot:        storageRoot,
		StorageDriver:      envOrDefault("STORAGE_DRIVER", "local"),
		S3Endpoint:         envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:           envOrDefault("S3_BUCKET", "modelhub"),
		S3Region:           envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:           parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:        parseBoolEnv("S3_PATH_STYLE", true),
		StagingTTL:         stagingTTL,
		OrphanRetention:    orphanRetention,
		MaxUploadBytes:     int64(maxUploadMB) * 1024 * 1024,
		SweepInterval:      sweepInterval,
		OrphanSweepEvery:   orphanEvery,
		SweepBatchSize:     sweepBatch,
		SweepMemCeilingMB:  memCeiling,
		TaskTimeout:        taskTimeout,
		WorkerConcurrency:  workerConcurrency,
	}, nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
