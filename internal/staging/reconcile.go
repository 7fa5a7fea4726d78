package staging

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"modelhub/internal/contentstore"
	"modelhub/internal/ledger"
)

// SweepLedger 是清扫任务依赖的账本子集。
type SweepLedger interface {
	Scan(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
	FetchForSweep(ctx context.Context, keys []string) ([]ledger.SweepRecord, error)
	DeleteMany(ctx context.Context, keys []string) error
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
	LockHolder(ctx context.Context, name string) (string, error)
	NextRunCount(ctx context.Context, name string) (int64, error)
}

// FileDeleteEnqueuer 把文件删除交给任务队列独立重试，绝不在清扫循环
// 里同步删文件。
type FileDeleteEnqueuer interface {
	EnqueueFileDelete(ctx context.Context, path, pruneRoot string) error
}

const (
	reconcileLockName = "reconcile"
	reconcileCounter  = "reconcile"

	// deadlineMargin 在任务自身超时前留出的安全余量，避免扫到一半被杀
	deadlineMargin = 50 * time.Second
)

// ReconcilerConfig 汇总清扫任务的资源与节奏参数。
type ReconcilerConfig struct {
	TempRoot         string
	Instance         string        // 锁持有者标记，用于诊断
	BatchSize        int           // 账本扫描批大小
	MemCeilingBytes  uint64        // 常驻内存上限，越界即中止本轮
	TimeBudget       time.Duration // 任务硬超时，同时决定锁租期
	OrphanSweepEvery int           // 每 N 轮过期清扫触发一次孤儿清扫
	Retention        time.Duration // 孤儿文件保留阈值
}

// Reconciler 周期性清理被放弃的暂存条目与孤儿文件。整个任务用账本里
// 的咨询锁做集群级互斥，锁租期不小于任务硬超时。
type Reconciler struct {
	ledger  SweepLedger
	content *contentstore.Store
	queue   FileDeleteEnqueuer
	cfg     ReconcilerConfig
	logger  *log.Logger
	now     func() time.Time
	memUsed func() uint64
}

func NewReconciler(led SweepLedger, content *contentstore.Store, queue FileDeleteEnqueuer, cfg ReconcilerConfig, logger *log.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Reconciler{
		ledger:  led,
		content: content,
		queue:   queue,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		memUsed: heapInUse,
	}
}

// Run 执行一轮清扫。拿不到锁说明别的实例正在跑，直接干净退出，
// 这不是错误。
func (r *Reconciler) Run(ctx context.Context) error {
	acquired, err := r.ledger.AcquireLock(ctx, reconcileLockName, r.cfg.Instance, r.cfg.TimeBudget)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if !acquired {
		holder, _ := r.ledger.LockHolder(ctx, reconcileLockName)
		r.logger.Printf("清扫锁被占用，本轮跳过 holder=%s", holder)
		return nil
	}
	defer func() {
		if err := r.ledger.ReleaseLock(context.WithoutCancel(ctx), reconcileLockName, r.cfg.Instance); err != nil {
			r.logger.Printf("释放清扫锁失败: %v", err)
		}
	}()

	deadline := r.now().Add(r.cfg.TimeBudget - deadlineMargin)
	if d, ok := ctx.Deadline(); ok && d.Add(-deadlineMargin).Before(deadline) {
		deadline = d.Add(-deadlineMargin)
	}

	if err := r.sweepExpired(ctx, deadline); err != nil {
		return err
	}

	run, err := r.ledger.NextRunCount(ctx, reconcileCounter)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if r.cfg.OrphanSweepEvery > 0 && run%int64(r.cfg.OrphanSweepEvery) == 0 {
		return r.sweepOrphans(ctx, deadline)
	}
	return nil
}

// sweepExpired 按游标分批扫账本，回收过期的 pending 条目。文件删除
// 走任务队列；条目键在删除任务提交成功之后批量清掉。单键失败只记
// 日志跳过，不会中断整批。
func (r *Reconciler) sweepExpired(ctx context.Context, deadline time.Time) error {
	var (
		cursor    uint64
		reclaimed int
	)

	for {
		if used := r.memUsed(); r.cfg.MemCeilingBytes > 0 && used > r.cfg.MemCeilingBytes {
			// 内存越界要以失败收场，留给下一轮重试接着扫
			return fmt.Errorf("reconcile: memory ceiling exceeded (%d > %d bytes)", used, r.cfg.MemCeilingBytes)
		}
		if r.now().After(deadline) {
			r.logger.Printf("清扫时间预算耗尽，提前收尾 reclaimed=%d", reclaimed)
			return nil
		}

		keys, next, err := r.ledger.Scan(ctx, cursor, int64(r.cfg.BatchSize))
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}

		records, err := r.ledger.FetchForSweep(ctx, keys)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}

		now := r.now()
		var deletable []string
		for _, rec := range records {
			if rec.Status != ledger.StatusPending || !rec.ExpireAt.Before(now) {
				continue
			}
			if rec.RealPath != "" {
				resolved, err := contentstore.ResolveUnder(r.cfg.TempRoot, rec.RealPath)
				if err != nil {
					r.logger.Printf("过期条目路径越界，跳过 key=%s path=%s: %v", rec.Key, rec.RealPath, err)
					continue
				}
				if err := r.queue.EnqueueFileDelete(ctx, resolved, r.cfg.TempRoot); err != nil {
					r.logger.Printf("提交删除任务失败，跳过 key=%s: %v", rec.Key, err)
					continue
				}
			}
			deletable = append(deletable, rec.Key)
		}

		if len(deletable) > 0 {
			if err := r.ledger.DeleteMany(ctx, deletable); err != nil {
				r.logger.Printf("批量删除账本键失败: %v", err)
			} else {
				reclaimed += len(deletable)
				expiredReclaimed.Add(float64(len(deletable)))
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if reclaimed > 0 {
		r.logger.Printf("过期清扫完成 reclaimed=%d", reclaimed)
	}
	return nil
}

// sweepOrphans 递归遍历隔离区，删除超过保留阈值且不再被账本引用的
// 文件。孤儿的定义是"没有任何账本条目指向它"：error 状态条目的文件
// 是排查线索，无论多老都必须留下。判龄看两处：目录名里编码的小时
// 时间戳，或文件自身的修改时间。任何路径在删除前都要解析回隔离区
// 根之下。
func (r *Reconciler) sweepOrphans(ctx context.Context, deadline time.Time) error {
	root := QuarantineRoot(r.cfg.TempRoot)
	threshold := r.now().Add(-r.cfg.Retention)
	removed := 0

	referenced, err := r.referencedPaths(ctx)
	if err != nil {
		return fmt.Errorf("reconcile orphans: %w", err)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 目录可能被并发清理删掉，跳过即可
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if r.now().After(deadline) {
			return filepath.SkipAll
		}

		resolved, rerr := contentstore.ResolveUnder(root, path)
		if rerr != nil {
			r.logger.Printf("孤儿候选路径越界，跳过 path=%s: %v", path, rerr)
			return nil
		}

		if _, live := referenced[resolved]; live {
			return nil
		}

		old := ancestorStampBefore(root, resolved, threshold)
		if !old {
			if info, ierr := d.Info(); ierr == nil && info.ModTime().Before(threshold) {
				old = true
			}
		}
		if !old {
			return nil
		}

		if derr := r.content.Delete(resolved); derr != nil {
			r.logger.Printf("删除孤儿文件失败，跳过 path=%s: %v", resolved, derr)
			return nil
		}
		if perr := r.content.PruneEmptyAncestors(resolved, r.cfg.TempRoot); perr != nil {
			r.logger.Printf("收拾孤儿目录失败 path=%s: %v", resolved, perr)
		}
		removed++
		orphansRemoved.Inc()
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile orphans: %w", err)
	}

	if removed > 0 {
		r.logger.Printf("孤儿清扫完成 removed=%d", removed)
	}
	return nil
}

// referencedPaths 汇总账本中仍被引用的全部隔离区路径，与遍历侧使用
// 同一套路径规整，避免符号链接造成错配。过期的 pending 条目已在同一
// 轮的过期清扫里处理过，这里剩下的都是在用的。
func (r *Reconciler) referencedPaths(ctx context.Context) (map[string]struct{}, error) {
	root := QuarantineRoot(r.cfg.TempRoot)
	refs := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.ledger.Scan(ctx, cursor, int64(r.cfg.BatchSize))
		if err != nil {
			return nil, err
		}
		records, err := r.ledger.FetchForSweep(ctx, keys)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.RealPath == "" {
				continue
			}
			if resolved, rerr := contentstore.ResolveUnder(root, rec.RealPath); rerr == nil {
				refs[resolved] = struct{}{}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return refs, nil
}

// ancestorStampBefore 检查 path 相对 root 的各级目录名里是否有早于
// threshold 的小时时间戳段。
func ancestorStampBefore(root, path string, threshold time.Time) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(seg) != 10 {
			continue
		}
		if stamp, err := time.ParseInLocation("2006010215", seg, time.UTC); err == nil {
			if stamp.Before(threshold) {
				return true
			}
		}
	}
	return false
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}
