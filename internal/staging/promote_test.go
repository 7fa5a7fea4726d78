package staging

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modelhub/internal/contentstore"
	"modelhub/internal/ledger"
	"modelhub/internal/repository"
	locals "modelhub/internal/storage/local"

	"github.com/stretchr/testify/require"
)

// fakeCatalog 只实现升级路径用到的 UpdateFileReference。
type fakeCatalog struct {
	prev    string
	updates []string
	err     error
}

func (c *fakeCatalog) Create(ctx context.Context, category repository.Category, record *repository.CatalogRecord) (*repository.CatalogRecord, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeCatalog) GetByID(ctx context.Context, category repository.Category, id string) (*repository.CatalogRecord, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeCatalog) List(ctx context.Context, category repository.Category, params repository.ListParams) ([]repository.CatalogRecord, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeCatalog) UpdateFileReference(ctx context.Context, category repository.Category, id, field, newPath string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.updates = append(c.updates, newPath)
	return c.prev, nil
}

type promoteFixture struct {
	promoter *Promoter
	led      *memLedger
	catalog  *fakeCatalog
	finals   *locals.Store
	tempRoot string
	finalDir string
}

func newPromoteFixture(t *testing.T) *promoteFixture {
	t.Helper()
	led := newMemLedger()
	led.now = func() time.Time { return testClock }
	tempRoot := t.TempDir()
	finalDir := t.TempDir()
	catalog := &fakeCatalog{}
	finals := locals.New(finalDir, "")
	logger := log.New(io.Discard, "", 0)
	return &promoteFixture{
		promoter: NewPromoter(led, contentstore.New(), finals, catalog, tempRoot, logger),
		led:      led,
		catalog:  catalog,
		finals:   finals,
		tempRoot: tempRoot,
		finalDir: finalDir,
	}
}

// stageFixtureFile 直接铺好隔离区文件与 processing 条目，模拟提交
// 之后、任务执行之前的状态。
func (f *promoteFixture) stageFixtureFile(t *testing.T) PromoteRequest {
	t.Helper()
	version := versionStamp(testClock)
	dir := filepath.Join(QuarantineRoot(f.tempRoot), "model", "e1", "card", version)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stagingPath := filepath.Join(dir, "abc123.md")
	require.NoError(t, os.WriteFile(stagingPath, []byte("# card"), 0o644))

	key := ledger.EntryKey("owner-1", "model", "e1", "card", version, "abc123")
	f.led.put(key, ledger.Entry{
		RealPath: stagingPath,
		OwnerID:  "owner-1",
		Status:   ledger.StatusProcessing,
		ExpireAt: testClock.Add(90 * time.Second),
	})

	return PromoteRequest{
		LedgerKey:   key,
		StagingPath: stagingPath,
		OwnerID:     "owner-1",
		Category:    "model",
		EntityID:    "e1",
		Field:       "card",
		Version:     version,
	}
}

func TestPromoteMovesFileAndUpdatesCatalog(t *testing.T) {
	f := newPromoteFixture(t)
	req := f.stageFixtureFile(t)

	require.NoError(t, f.promoter.Promote(context.Background(), req))

	// 正式文件落在确定性推导的键下
	wantKey := path.Join("model", "e1", "card", req.Version, "abc123.md")
	data, err := os.ReadFile(filepath.Join(f.finalDir, filepath.FromSlash(wantKey)))
	require.NoError(t, err)
	require.Equal(t, "# card", string(data))

	require.Equal(t, []string{wantKey}, f.catalog.updates)

	// 隔离区文件与账本条目都已清除
	_, err = os.Stat(req.StagingPath)
	require.True(t, os.IsNotExist(err))
	_, exists := f.led.entry(req.LedgerKey)
	require.False(t, exists)
}

func TestPromoteIsIdempotentOnReplay(t *testing.T) {
	f := newPromoteFixture(t)
	req := f.stageFixtureFile(t)

	require.NoError(t, f.promoter.Promote(context.Background(), req))
	// 队列至少一次投递：重放必须安静收敛，不产生第二次目录更新
	require.NoError(t, f.promoter.Promote(context.Background(), req))
	require.Len(t, f.catalog.updates, 1)
}

func TestPromoteNoopWhenEntryGone(t *testing.T) {
	f := newPromoteFixture(t)

	err := f.promoter.Promote(context.Background(), PromoteRequest{
		LedgerKey:   ledger.EntryKey("owner-1", "model", "e1", "card", "2024061512", "ghost"),
		StagingPath: filepath.Join(f.tempRoot, "nope.md"),
		Category:    "model", EntityID: "e1", Field: "card", Version: "2024061512",
	})
	require.NoError(t, err)
	require.Empty(t, f.catalog.updates)
}

func TestPromoteMissingSourceClearsEntry(t *testing.T) {
	f := newPromoteFixture(t)
	req := f.stageFixtureFile(t)
	require.NoError(t, os.Remove(req.StagingPath))

	require.NoError(t, f.promoter.Promote(context.Background(), req))

	// 源文件不在了不值得重试，条目直接清掉
	_, exists := f.led.entry(req.LedgerKey)
	require.False(t, exists)
	require.Empty(t, f.catalog.updates)
}

func TestPromoteEntityGoneIsTerminal(t *testing.T) {
	f := newPromoteFixture(t)
	req := f.stageFixtureFile(t)
	f.catalog.err = repository.ErrNotFound

	err := f.promoter.Promote(context.Background(), req)
	require.ErrorIs(t, err, ErrTerminal)

	// 条目落到 error 状态，隔离区文件保留供排查
	entry, exists := f.led.entry(req.LedgerKey)
	require.True(t, exists)
	require.Equal(t, ledger.StatusError, entry.Status)
	_, serr := os.Stat(req.StagingPath)
	require.NoError(t, serr)

	// 已写入的正式文件没有任何引用，必须被收回
	finalPath := filepath.Join(f.finalDir, "model", "e1", "card", req.Version, "abc123.md")
	_, serr = os.Stat(finalPath)
	require.True(t, os.IsNotExist(serr))
}

func TestPromoteCatalogFailureIsRetryable(t *testing.T) {
	f := newPromoteFixture(t)
	req := f.stageFixtureFile(t)
	f.catalog.err = errors.New("db timeout")

	err := f.promoter.Promote(context.Background(), req)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTerminal)

	entry, exists := f.led.entry(req.LedgerKey)
	require.True(t, exists)
	require.Equal(t, ledger.StatusError, entry.Status)
	_, serr := os.Stat(req.StagingPath)
	require.NoError(t, serr)

	// 故障恢复后的重试必须能收尾
	f.catalog.err = nil
	require.NoError(t, f.promoter.Promote(context.Background(), req))
	_, exists = f.led.entry(req.LedgerKey)
	require.False(t, exists)
}

func TestPromoteReplacesPreviousReference(t *testing.T) {
	f := newPromoteFixture(t)
	req := f.stageFixtureFile(t)

	// 实体上已有旧引用，升级后旧文件应被清除
	prevKey := "model/e1/card/2024010100/old.md"
	_, err := f.finals.Write(context.Background(), prevKey, strings.NewReader("old card"))
	require.NoError(t, err)
	f.catalog.prev = prevKey

	require.NoError(t, f.promoter.Promote(context.Background(), req))

	_, serr := os.Stat(filepath.Join(f.finalDir, filepath.FromSlash(prevKey)))
	require.True(t, os.IsNotExist(serr))
}
