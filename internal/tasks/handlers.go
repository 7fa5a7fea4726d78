package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"modelhub/internal/contentstore"
	"modelhub/internal/staging"

	"github.com/hibiken/asynq"
)

// Handlers 把任务分发到流水线组件。所有异常都在任务边界内被分类：
// 可重试的原样返回，终止性的包上 asynq.SkipRetry。
type Handlers struct {
	Promoter   *staging.Promoter
	Reconciler *staging.Reconciler
	Content    *contentstore.Store
	TempRoot   string
	Logger     *log.Logger
}

// Register 把全部任务处理器挂到 mux 上。
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePromote, h.HandlePromote)
	mux.HandleFunc(TypeSweepExpired, h.HandleSweepExpired)
	mux.HandleFunc(TypeDeleteFile, h.HandleDeleteFile)
}

// HandlePromote 执行升级任务。畸形载荷与终止性失败不重试。
func (h *Handlers) HandlePromote(ctx context.Context, task *asynq.Task) error {
	var payload PromotePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal promote payload: %v: %w", err, asynq.SkipRetry)
	}

	err := h.Promoter.Promote(ctx, staging.PromoteRequest{
		LedgerKey:   payload.LedgerKey,
		StagingPath: payload.StagingPath,
		OwnerID:     payload.OwnerID,
		Category:    payload.Category,
		EntityID:    payload.EntityID,
		Field:       payload.Field,
		Version:     payload.Version,
	})
	if err != nil {
		h.Logger.Printf("升级任务失败 key=%s: %v", payload.LedgerKey, err)
		if errors.Is(err, staging.ErrTerminal) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// HandleSweepExpired 执行一轮清扫。
func (h *Handlers) HandleSweepExpired(ctx context.Context, task *asynq.Task) error {
	return h.Reconciler.Run(ctx)
}

// HandleDeleteFile 删除单个隔离区文件并收拾空目录。删除失败按任务
// 自己的重试节奏再来。
func (h *Handlers) HandleDeleteFile(ctx context.Context, task *asynq.Task) error {
	var payload DeleteFilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal delete payload: %v: %w", err, asynq.SkipRetry)
	}

	resolved, err := contentstore.ResolveUnder(payload.PruneRoot, payload.Path)
	if err != nil {
		return fmt.Errorf("refuse delete outside prune root: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.Content.Delete(resolved); err != nil {
		return err
	}
	if err := h.Content.PruneEmptyAncestors(resolved, payload.PruneRoot); err != nil {
		h.Logger.Printf("收拾空目录失败 path=%s: %v", resolved, err)
	}
	return nil
}
