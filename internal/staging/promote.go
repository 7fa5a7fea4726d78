package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"

	"modelhub/internal/contentstore"
	"modelhub/internal/ledger"
	"modelhub/internal/repository"
	"modelhub/internal/storage"
)

// Promoter 把隔离区文件搬进正式存储并挂到实体字段上。每一步都是
// 幂等的：任务被队列重放时不会产生重复文件或重复删除。
//
// 失败语义永远偏向不删数据：隔离区文件是最后被移除的东西，只有在
// 正式文件与数据库引用都确认落地之后才动它。
type Promoter struct {
	ledger   EntryLedger
	content  *contentstore.Store
	finals   storage.Store
	catalog  repository.Catalog
	tempRoot string
	logger   *log.Logger
}

func NewPromoter(led EntryLedger, content *contentstore.Store, finals storage.Store, catalog repository.Catalog, tempRoot string, logger *log.Logger) *Promoter {
	return &Promoter{
		ledger:   led,
		content:  content,
		finals:   finals,
		catalog:  catalog,
		tempRoot: tempRoot,
		logger:   logger,
	}
}

// Promote 执行一次升级。返回 nil 表示已处理完毕（含"别的 worker 已经
// 做完"的情况）；返回包裹 ErrTerminal 的错误表示不可重试；其余错误
// 交给任务运行器按退避重试。
func (p *Promoter) Promote(ctx context.Context, req PromoteRequest) error {
	key := req.LedgerKey

	lookup, err := p.ledger.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("promote %s: %w", key, err)
	}
	if lookup.State == ledger.StateMissing {
		// 条目已不存在：另一个 worker 已经完成了这次升级
		return nil
	}
	if lookup.Entry.Status == ledger.StatusCommitted {
		return nil
	}

	// 重申 processing，抵御调度竞争下的状态漂移
	if err := p.ledger.SetStatus(ctx, key, ledger.StatusProcessing); err != nil {
		return fmt.Errorf("promote %s: %w", key, err)
	}

	info, err := os.Stat(req.StagingPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 源文件不见了不是瞬时故障，重试没有意义；条目直接清掉
			p.logger.Printf("升级源文件缺失，清除账本条目 key=%s path=%s", key, req.StagingPath)
			if err := p.ledger.Delete(ctx, key); err != nil {
				return fmt.Errorf("promote %s: %w", key, err)
			}
			return nil
		}
		return p.fail(ctx, key, fmt.Errorf("stat staging file: %w", err))
	}

	// 正式路径只由实体类型、id、字段与版本确定性推导，绝不来自客户端
	finalKey := path.Join(req.Category, req.EntityID, req.Field, req.Version, filepath.Base(req.StagingPath))

	src, err := os.Open(req.StagingPath)
	if err != nil {
		return p.fail(ctx, key, fmt.Errorf("open staging file: %w", err))
	}

	// 复制而非移动：中途失败时隔离区仍握有唯一一份数据
	counted := &countingReader{r: src}
	loc, err := p.finals.Write(ctx, finalKey, counted)
	src.Close()
	if err != nil {
		return p.fail(ctx, key, fmt.Errorf("write final file: %w", err))
	}
	if counted.n != info.Size() {
		return p.fail(ctx, key, fmt.Errorf("short copy: wrote %d of %d bytes", counted.n, info.Size()))
	}

	prev, err := p.catalog.UpdateFileReference(ctx, repository.Category(req.Category), req.EntityID, req.Field, loc.Path)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 实体已被删除，重试救不回来；收回刚写入的正式文件，
			// 隔离区文件保留供排查
			promoteFailures.Inc()
			if derr := p.finals.Delete(ctx, loc.Path); derr != nil {
				p.logger.Printf("回收无主正式文件失败 key=%s path=%s: %v", key, loc.Path, derr)
			}
			if serr := p.ledger.SetStatus(ctx, key, ledger.StatusError); serr != nil {
				p.logger.Printf("标记 error 状态失败 key=%s: %v", key, serr)
			}
			return fmt.Errorf("entity %s/%s gone: %w", req.Category, req.EntityID, ErrTerminal)
		}
		return p.fail(ctx, key, fmt.Errorf("update entity reference: %w", err))
	}

	// 此后全部是清理动作：失败只记日志，孤儿清扫会兜底
	if err := p.content.Delete(req.StagingPath); err != nil {
		p.logger.Printf("删除隔离区文件失败 key=%s: %v", key, err)
	} else if err := p.content.PruneEmptyAncestors(req.StagingPath, p.tempRoot); err != nil {
		p.logger.Printf("收拾隔离区空目录失败 key=%s: %v", key, err)
	}

	if prev != "" && prev != loc.Path {
		if err := p.finals.Delete(ctx, prev); err != nil {
			p.logger.Printf("删除旧正式文件失败 key=%s prev=%s: %v", key, prev, err)
		}
	}

	if err := p.ledger.Delete(ctx, key); err != nil {
		// 条目清不掉就交给重试：下一轮会发现源文件已缺失并收尾
		return fmt.Errorf("promote %s: clear ledger entry: %w", key, err)
	}

	promotedTotal.WithLabelValues(req.Category).Inc()
	return nil
}

// countingReader 统计实际读出的字节数，供复制后的尺寸核对。
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// fail 把条目落到 error 状态并返回可重试错误。条目不设回收期限，
// 留给运维或清扫流程处理；隔离区文件原样保留作为排查线索。
func (p *Promoter) fail(ctx context.Context, key string, cause error) error {
	promoteFailures.Inc()
	if err := p.ledger.SetStatus(ctx, key, ledger.StatusError); err != nil {
		p.logger.Printf("标记 error 状态失败 key=%s: %v", key, err)
	}
	return fmt.Errorf("promote %s: %w", key, cause)
}
