package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"modelhub/internal/contentstore"
	"modelhub/internal/ledger"
	"modelhub/internal/repository"
)

// EntryLedger 是 Stager/Committer/Promoter 依赖的账本子集。
type EntryLedger interface {
	CreateIfAbsent(ctx context.Context, key string, e ledger.Entry) (bool, error)
	Get(ctx context.Context, key string) (ledger.Lookup, error)
	TryMarkProcessing(ctx context.Context, key string) (ledger.MarkOutcome, error)
	SetStatus(ctx context.Context, key string, status ledger.Status) error
	Delete(ctx context.Context, key string) error
}

// allowedExtensions 列出可暂存的文件类型，未列出的扩展名在任何写入
// 之前就被拒绝。
var allowedExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".md": {}, ".txt": {}, ".json": {}, ".csv": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {},
	".onnx": {}, ".pt": {}, ".pb": {}, ".h5": {}, ".safetensors": {},
}

// quarantineDirName 是 TempRoot 下隔离区的固定子目录。
const quarantineDirName = "staging"

// Stager 接收上传流，做内容寻址并写入隔离区，同时登记账本条目。
// 隔离区文件在升级完成前始终归 Stager 所有。
type Stager struct {
	ledger   EntryLedger
	store    *contentstore.Store
	tempRoot string
	ttl      time.Duration
	now      func() time.Time
}

func NewStager(led EntryLedger, store *contentstore.Store, tempRoot string, ttl time.Duration) *Stager {
	return &Stager{
		ledger:   led,
		store:    store,
		tempRoot: tempRoot,
		ttl:      ttl,
		now:      time.Now,
	}
}

// QuarantineRoot 返回隔离区根目录，清扫任务据此遍历。
func QuarantineRoot(tempRoot string) string {
	return filepath.Join(tempRoot, quarantineDirName)
}

// versionStamp 是键推导中的版本标记。取小时粒度的时间桶：同一小时内
// 的重复上传共享同一个键（在途去重生效），隔离区目录里也因此带上了
// 可供孤儿清扫判龄的时间戳段。
func versionStamp(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// Stage 执行暂存：指纹计算、去重检查、隔离区写入、账本登记，
// 返回不透明引用。任何一步失败都不会留下孤儿文件。
func (s *Stager) Stage(ctx context.Context, r io.ReadSeeker, originalName, ownerID, category, entityID, field string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", fmt.Errorf("unsupported extension %q: %w", ext, ErrValidation)
	}
	if !repository.ValidCategory(category) {
		return "", fmt.Errorf("unknown category %q: %w", category, ErrValidation)
	}
	if !repository.ValidFileField(field) {
		return "", fmt.Errorf("unknown field %q: %w", field, ErrValidation)
	}
	if ownerID == "" || entityID == "" {
		return "", fmt.Errorf("owner and entity are required: %w", ErrValidation)
	}

	digest, size, err := fingerprint(r)
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", fmt.Errorf("empty upload: %w", ErrValidation)
	}

	now := s.now()
	ref := Reference{
		OwnerID:  ownerID,
		Category: category,
		EntityID: entityID,
		Field:    field,
		Version:  versionStamp(now),
		Digest:   digest,
	}
	key := ref.LedgerKey()

	lookup, err := s.ledger.Get(ctx, key)
	if err != nil {
		return "", err
	}
	switch lookup.State {
	case ledger.StateFound:
		duplicateTotal.Inc()
		return "", fmt.Errorf("upload already staged for this content: %w", ErrDuplicateUpload)
	case ledger.StateExpired:
		// 被放弃的同内容上传，先回收旧文件与旧条目再继续
		s.reclaimExpired(ctx, key, lookup.Entry.RealPath)
	}

	dir := filepath.Join(QuarantineRoot(s.tempRoot), category, entityID, field, ref.Version)
	realPath, err := s.store.Save(r, dir, digest+ext)
	if err != nil {
		return "", err
	}
	if abs, absErr := filepath.Abs(realPath); absErr == nil {
		realPath = abs
	}

	created, err := s.ledger.CreateIfAbsent(ctx, key, ledger.Entry{
		RealPath: realPath,
		OwnerID:  ownerID,
		Status:   ledger.StatusPending,
		ExpireAt: now.Add(s.ttl),
	})
	if err != nil {
		// 账本写入失败：删掉刚写入的文件，不留孤儿
		s.discard(realPath)
		return "", err
	}
	if !created {
		duplicateTotal.Inc()
		// 并发请求抢先登记。内容寻址意味着双方写的是同一个路径，
		// 胜者的条目正指向它；只有当胜者的条目指向别处（或已消失）
		// 时，本次写入才是可以清理的孤儿
		if lookup, lerr := s.ledger.Get(ctx, key); lerr == nil &&
			(lookup.State == ledger.StateMissing || lookup.Entry.RealPath != realPath) {
			s.discard(realPath)
		}
		return "", fmt.Errorf("concurrent upload staged first: %w", ErrDuplicateUpload)
	}

	stagedTotal.WithLabelValues(category).Inc()
	return ref.Encode(), nil
}

func (s *Stager) reclaimExpired(ctx context.Context, key, realPath string) {
	if realPath != "" {
		s.discard(realPath)
	}
	_ = s.ledger.Delete(ctx, key)
}

func (s *Stager) discard(realPath string) {
	if err := s.store.Delete(realPath); err != nil {
		return
	}
	_ = s.store.PruneEmptyAncestors(realPath, s.tempRoot)
}

// fingerprint 读取完整内容计算 SHA-256 指纹并把流回绕到起点。
func fingerprint(r io.ReadSeeker) (string, int64, error) {
	h := sha256.New()
	size, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("read upload: %v: %w", err, ErrUpload)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind upload: %v: %w", err, ErrUpload)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
