package staging

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"modelhub/internal/contentstore"
	"modelhub/internal/ledger"

	"github.com/stretchr/testify/require"
)

type reconcileFixture struct {
	reconciler *Reconciler
	led        *memLedger
	queue      *fakeQueue
	tempRoot   string
}

func newReconcileFixture(t *testing.T, orphanEvery int) *reconcileFixture {
	t.Helper()
	led := newMemLedger()
	led.now = func() time.Time { return testClock }
	queue := &fakeQueue{}
	tempRoot := t.TempDir()

	reconciler := NewReconciler(led, contentstore.New(), queue, ReconcilerConfig{
		TempRoot:         tempRoot,
		Instance:         "test-worker",
		BatchSize:        10,
		TimeBudget:       2 * time.Minute,
		OrphanSweepEvery: orphanEvery,
		Retention:        72 * time.Hour,
	}, log.New(io.Discard, "", 0))
	reconciler.now = func() time.Time { return testClock }

	return &reconcileFixture{reconciler: reconciler, led: led, queue: queue, tempRoot: tempRoot}
}

func (f *reconcileFixture) seedEntry(t *testing.T, entity string, status ledger.Status, expireAt time.Time) (string, string) {
	t.Helper()
	dir := filepath.Join(QuarantineRoot(f.tempRoot), "model", entity, "card", versionStamp(testClock))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "abc.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	key := ledger.EntryKey("owner-1", "model", entity, "card", versionStamp(testClock), "abc")
	f.led.put(key, ledger.Entry{RealPath: path, OwnerID: "owner-1", Status: status, ExpireAt: expireAt})
	return key, path
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	f := newReconcileFixture(t, 0)
	ctx := context.Background()

	f.seedEntry(t, "e1", ledger.StatusPending, testClock.Add(-time.Minute))

	acquired, err := f.led.AcquireLock(ctx, "reconcile", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// 别的实例持锁时本轮直接跳过，且不能抢走它的锁
	require.NoError(t, f.reconciler.Run(ctx))
	require.Empty(t, f.queue.deleted())

	holder, err := f.led.LockHolder(ctx, "reconcile")
	require.NoError(t, err)
	require.Equal(t, "other-worker", holder)
}

func TestSweepExpiredEntries(t *testing.T) {
	f := newReconcileFixture(t, 0)
	ctx := context.Background()

	expiredKey, expiredPath := f.seedEntry(t, "expired", ledger.StatusPending, testClock.Add(-time.Minute))
	freshKey, _ := f.seedEntry(t, "fresh", ledger.StatusPending, testClock.Add(time.Minute))
	// 已进入 processing 的条目即便过了窗口也不能回收
	workingKey, _ := f.seedEntry(t, "working", ledger.StatusProcessing, testClock.Add(-time.Minute))

	require.NoError(t, f.reconciler.Run(ctx))

	deletes := f.queue.deleted()
	require.Len(t, deletes, 1)
	require.Equal(t, expiredPath, deletes[0])

	_, exists := f.led.entry(expiredKey)
	require.False(t, exists)
	_, exists = f.led.entry(freshKey)
	require.True(t, exists)
	_, exists = f.led.entry(workingKey)
	require.True(t, exists)

	// 运行结束后锁必须释放
	holder, err := f.led.LockHolder(ctx, "reconcile")
	require.NoError(t, err)
	require.Empty(t, holder)
}

func TestSweepKeepsEntryWhenDeleteEnqueueFails(t *testing.T) {
	f := newReconcileFixture(t, 0)
	f.queue.deleteErr = context.DeadlineExceeded

	key, _ := f.seedEntry(t, "expired", ledger.StatusPending, testClock.Add(-time.Minute))

	require.NoError(t, f.reconciler.Run(context.Background()))

	// 删除任务没提交成功之前，账本键必须保留，下一轮再试
	_, exists := f.led.entry(key)
	require.True(t, exists)
}

func TestSweepSkipsEscapedPath(t *testing.T) {
	f := newReconcileFixture(t, 0)

	key := ledger.EntryKey("owner-1", "model", "evil", "card", versionStamp(testClock), "abc")
	f.led.put(key, ledger.Entry{
		RealPath: "/etc/passwd",
		OwnerID:  "owner-1",
		Status:   ledger.StatusPending,
		ExpireAt: testClock.Add(-time.Minute),
	})

	require.NoError(t, f.reconciler.Run(context.Background()))
	require.Empty(t, f.queue.deleted())
	_, exists := f.led.entry(key)
	require.True(t, exists)
}

func TestSweepAbortsOverMemoryCeiling(t *testing.T) {
	f := newReconcileFixture(t, 0)
	f.reconciler.cfg.MemCeilingBytes = 1
	f.reconciler.memUsed = func() uint64 { return 1 << 30 }

	// 内存越界必须以失败收场，交给任务重试
	require.Error(t, f.reconciler.Run(context.Background()))
}

func TestOrphanSweepRemovesStaleFiles(t *testing.T) {
	f := newReconcileFixture(t, 1)

	// 目录名里的小时戳早于保留阈值
	staleDir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "e1", "card", "2023120100")
	require.NoError(t, os.MkdirAll(staleDir, 0o755))
	stalePath := filepath.Join(staleDir, "old.md")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))

	// 无时间戳段的旧文件按修改时间判龄
	plainDir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "e2", "card", "nodate")
	require.NoError(t, os.MkdirAll(plainDir, 0o755))
	plainPath := filepath.Join(plainDir, "old.md")
	require.NoError(t, os.WriteFile(plainPath, []byte("x"), 0o644))
	ancient := testClock.Add(-100 * time.Hour)
	require.NoError(t, os.Chtimes(plainPath, ancient, ancient))

	// 新文件必须保留
	freshDir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "e3", "card", versionStamp(testClock))
	require.NoError(t, os.MkdirAll(freshDir, 0o755))
	freshPath := filepath.Join(freshDir, "new.md")
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(freshPath, testClock, testClock))

	require.NoError(t, f.reconciler.Run(context.Background()))

	_, err := os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(plainPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	require.NoError(t, err)

	// 清空后的目录链也要被收走
	_, err = os.Stat(staleDir)
	require.True(t, os.IsNotExist(err))
}

func TestOrphanSweepKeepsLedgerReferencedFiles(t *testing.T) {
	f := newReconcileFixture(t, 1)

	// 升级失败后留作排查线索的文件：条目在、目录戳早已过保留阈值
	heldDir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "held", "card", "2023120100")
	require.NoError(t, os.MkdirAll(heldDir, 0o755))
	heldPath := filepath.Join(heldDir, "abc.md")
	require.NoError(t, os.WriteFile(heldPath, []byte("x"), 0o644))

	key := ledger.EntryKey("owner-1", "model", "held", "card", "2023120100", "abc")
	f.led.put(key, ledger.Entry{
		RealPath: heldPath,
		OwnerID:  "owner-1",
		Status:   ledger.StatusError,
		ExpireAt: testClock.Add(-200 * time.Hour),
	})

	// 同龄但无条目指向的文件才是孤儿
	orphanDir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "loose", "card", "2023120100")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	orphanPath := filepath.Join(orphanDir, "abc.md")
	require.NoError(t, os.WriteFile(orphanPath, []byte("x"), 0o644))

	require.NoError(t, f.reconciler.Run(context.Background()))

	_, err := os.Stat(heldPath)
	require.NoError(t, err)
	_, exists := f.led.entry(key)
	require.True(t, exists)

	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err))
}

func TestOrphanSweepRunsEveryNth(t *testing.T) {
	f := newReconcileFixture(t, 2)

	staleDir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "e1", "card", "2023120100")
	require.NoError(t, os.MkdirAll(staleDir, 0o755))
	stalePath := filepath.Join(staleDir, "old.md")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))

	// 第 1 轮计数为奇数，孤儿清扫不触发
	require.NoError(t, f.reconciler.Run(context.Background()))
	_, err := os.Stat(stalePath)
	require.NoError(t, err)

	// 第 2 轮触发
	require.NoError(t, f.reconciler.Run(context.Background()))
	_, err = os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))
}

func TestSweepStopsAtTimeBudgetMargin(t *testing.T) {
	f := newReconcileFixture(t, 1)
	f.reconciler.cfg.TimeBudget = deadlineMargin + time.Second

	// 每次读钟走 2 秒，第一次检查就越过了截止点
	current := testClock
	f.reconciler.now = func() time.Time {
		now := current
		current = current.Add(2 * time.Second)
		return now
	}

	key, _ := f.seedEntry(t, "expired", ledger.StatusPending, testClock.Add(-time.Minute))

	staleDir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "e9", "card", "2023120100")
	require.NoError(t, os.MkdirAll(staleDir, 0o755))
	stalePath := filepath.Join(staleDir, "old.md")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))

	// 预算耗尽是干净收尾，不是错误；两类清扫都不得再动文件
	require.NoError(t, f.reconciler.Run(context.Background()))
	require.Empty(t, f.queue.deleted())

	_, exists := f.led.entry(key)
	require.True(t, exists)
	_, err := os.Stat(stalePath)
	require.NoError(t, err)
}

func TestAncestorStampBefore(t *testing.T) {
	root := "/tmp/q"
	threshold := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	old := filepath.Join(root, "model", "e1", "card", "2024053100", "f.md")
	require.True(t, ancestorStampBefore(root, old, threshold))

	fresh := filepath.Join(root, "model", "e1", "card", "2024070112", "f.md")
	require.False(t, ancestorStampBefore(root, fresh, threshold))

	// 长度不是 10 或不可解析的段不参与判龄
	noStamp := filepath.Join(root, "model", "e1", "card", "nodatehere", "f.md")
	require.False(t, ancestorStampBefore(root, noStamp, threshold))
}
