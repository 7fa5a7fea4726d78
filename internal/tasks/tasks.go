package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modelhub/internal/config"
	"modelhub/internal/staging"

	"github.com/hibiken/asynq"
)

// 任务类型名。升级与清扫都是 fire-and-forget：没有调用方等待结果，
// 幂等性而不是分布式事务才是这里的承重墙。
const (
	TypePromote      = "staging:promote"
	TypeSweepExpired = "staging:sweep_expired"
	TypeDeleteFile   = "staging:delete_file"

	queueStaging = "staging"
)

const (
	promoteMaxRetry = 2
	promoteBackoff  = 60 * time.Second

	deleteMaxRetry = 5
	deleteTimeout  = time.Minute
)

// PromotePayload 是升级任务的序列化参数。
type PromotePayload struct {
	LedgerKey   string `json:"ledger_key"`
	StagingPath string `json:"staging_path"`
	OwnerID     string `json:"owner_id"`
	Category    string `json:"category"`
	EntityID    string `json:"entity_id"`
	Field       string `json:"field"`
	Version     string `json:"version"`
}

// DeleteFilePayload 是文件删除任务的序列化参数。
type DeleteFilePayload struct {
	Path      string `json:"path"`
	PruneRoot string `json:"prune_root"`
}

// RedisOpt 由服务配置构造 asynq 的 Redis 连接参数。
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// Client 封装任务入队，供 Committer 与 Reconciler 使用。
type Client struct {
	client      *asynq.Client
	taskTimeout time.Duration
}

func NewClient(opt asynq.RedisClientOpt, taskTimeout time.Duration) *Client {
	return &Client{client: asynq.NewClient(opt), taskTimeout: taskTimeout}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueuePromote 提交升级任务：有限次重试、固定退避、硬超时。
func (c *Client) EnqueuePromote(ctx context.Context, req staging.PromoteRequest) error {
	payload, err := json.Marshal(PromotePayload{
		LedgerKey:   req.LedgerKey,
		StagingPath: req.StagingPath,
		OwnerID:     req.OwnerID,
		Category:    req.Category,
		EntityID:    req.EntityID,
		Field:       req.Field,
		Version:     req.Version,
	})
	if err != nil {
		return fmt.Errorf("marshal promote payload: %w", err)
	}

	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(TypePromote, payload),
		asynq.Queue(queueStaging),
		asynq.MaxRetry(promoteMaxRetry),
		asynq.Timeout(c.taskTimeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue promote: %w", err)
	}
	return nil
}

// EnqueueFileDelete 提交文件删除任务，独立于清扫批次重试。
func (c *Client) EnqueueFileDelete(ctx context.Context, path, pruneRoot string) error {
	payload, err := json.Marshal(DeleteFilePayload{Path: path, PruneRoot: pruneRoot})
	if err != nil {
		return fmt.Errorf("marshal delete payload: %w", err)
	}

	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(TypeDeleteFile, payload),
		asynq.Queue(queueStaging),
		asynq.MaxRetry(deleteMaxRetry),
		asynq.Timeout(deleteTimeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue file delete: %w", err)
	}
	return nil
}

// NewServer 构建 worker 侧的 asynq 服务端。退避固定 60 秒，与升级
// 任务的重试节奏一致。
func NewServer(cfg *config.Config) *asynq.Server {
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues: map[string]int{
			queueStaging: 9,
			"default":    1,
		},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return promoteBackoff
		},
	})
}

// NewScheduler 注册周期任务：过期清扫按固定间隔触发，孤儿清扫由
// Reconciler 内部的持久计数按每 N 轮放行。
func NewScheduler(cfg *config.Config) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(RedisOpt(cfg), &asynq.SchedulerOpts{})

	spec := fmt.Sprintf("@every %s", cfg.SweepInterval)
	_, err := scheduler.Register(spec, asynq.NewTask(TypeSweepExpired, nil),
		asynq.Queue(queueStaging),
		asynq.MaxRetry(1),
		asynq.Timeout(cfg.TaskTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("register sweep schedule: %w", err)
	}

	return scheduler, nil
}
