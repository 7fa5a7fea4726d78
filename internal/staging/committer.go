package staging

import (
	"context"
	"fmt"

	"modelhub/internal/ledger"
)

// PromoteRequest 携带升级任务所需的全部标识，任务体不再回读任何
// 可被客户端改动的状态。
type PromoteRequest struct {
	LedgerKey   string
	StagingPath string
	OwnerID     string
	Category    string
	EntityID    string
	Field       string
	Version     string
}

// PromoteEnqueuer 把升级任务交给持久化队列，调用方不等待执行结果。
type PromoteEnqueuer interface {
	EnqueuePromote(ctx context.Context, req PromoteRequest) error
}

// Committer 校验引用与归属，把账本条目翻到 processing 并调度升级任务。
// 请求路径上只做快速操作，升级本身完全异步。
type Committer struct {
	ledger EntryLedger
	queue  PromoteEnqueuer
}

func NewCommitter(led EntryLedger, queue PromoteEnqueuer) *Committer {
	return &Committer{ledger: led, queue: queue}
}

// Commit 接受暂存引用并调度升级。成功返回即表示任务已受理，
// 不代表升级完成。
func (c *Committer) Commit(ctx context.Context, token, callerID string) error {
	ref, err := DecodeReference(token)
	if err != nil {
		return err
	}
	key := ref.LedgerKey()

	lookup, err := c.ledger.Get(ctx, key)
	if err != nil {
		return err
	}
	switch lookup.State {
	case ledger.StateMissing, ledger.StateExpired:
		return fmt.Errorf("reference unknown or expired: %w", ErrNotFound)
	}

	entry := lookup.Entry
	if entry.OwnerID != callerID {
		return fmt.Errorf("caller %s does not own this upload: %w", callerID, ErrPermission)
	}
	if entry.Status == ledger.StatusCommitted {
		return fmt.Errorf("reference already redeemed: %w", ErrAlreadyCommitted)
	}

	outcome, err := c.ledger.TryMarkProcessing(ctx, key)
	if err != nil {
		return err
	}
	switch outcome {
	case ledger.MarkOK:
		// 本次调用赢得翻转，由我们负责调度
	case ledger.MarkProcessing:
		// 并发提交已经调度过，幂等成功，绝不二次入队
		return nil
	case ledger.MarkMissing:
		return fmt.Errorf("reference vanished before commit: %w", ErrNotFound)
	case ledger.MarkCommitted:
		return fmt.Errorf("reference already redeemed: %w", ErrAlreadyCommitted)
	case ledger.MarkError:
		return fmt.Errorf("previous promotion failed, entry awaits cleanup: %w", ErrPromotionFailed)
	default:
		return fmt.Errorf("unexpected ledger outcome %q for %s", outcome, key)
	}

	req := PromoteRequest{
		LedgerKey:   key,
		StagingPath: entry.RealPath,
		OwnerID:     entry.OwnerID,
		Category:    ref.Category,
		EntityID:    ref.EntityID,
		Field:       ref.Field,
		Version:     ref.Version,
	}
	if err := c.queue.EnqueuePromote(ctx, req); err != nil {
		// 入队失败时把状态翻回 pending，让调用方可以安全重试
		_ = c.ledger.SetStatus(ctx, key, ledger.StatusPending)
		return fmt.Errorf("enqueue promotion: %w", err)
	}

	return nil
}
