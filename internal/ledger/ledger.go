package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status 描述暂存条目的生命周期。除 error 外状态只会单向前进。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCommitted  Status = "committed"
	StatusError      Status = "error"
)

// Entry 是账本中一条在途上传的固定结构记录。
type Entry struct {
	RealPath string
	OwnerID  string
	Status   Status
	ExpireAt time.Time
}

// State 是查询结果的显式变体，调用方按值判断而不是靠错误做控制流。
type State int

const (
	StateMissing State = iota
	StateFound
	StateExpired
)

// Lookup 携带查询状态与命中的条目内容。
type Lookup struct {
	State State
	Entry Entry
}

const (
	entryKeyPrefix = "staging:entry:"
	lockKeyPrefix  = "staging:lock:"

	fieldRealPath = "real_path"
	fieldOwnerID  = "owner_id"
	fieldStatus   = "status"
	fieldExpireAt = "expire_at"
)

// EntryKey 由标识元组推导账本键，客户端永远不直接提供键或路径。
func EntryKey(ownerID, category, entityID, field, version, digest string) string {
	return entryKeyPrefix + strings.Join([]string{ownerID, category, entityID, field, version, digest}, ":")
}

// Ledger 是基于 Redis hash 的暂存账本。单键上的状态变更全部通过
// Redis 的原子原语线性化，不依赖文件系统锁。
type Ledger struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func New(rdb redis.UniversalClient) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

// createScript 只在键不存在时写入整条 hash，保证同元组最多一条在途记录。
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
	"real_path", ARGV[1],
	"owner_id", ARGV[2],
	"status", ARGV[3],
	"expire_at", ARGV[4])
return 1
`)

// CreateIfAbsent 原子地检查并创建条目，已存在时返回 false。
func (l *Ledger) CreateIfAbsent(ctx context.Context, key string, e Entry) (bool, error) {
	created, err := createScript.Run(ctx, l.rdb, []string{key},
		e.RealPath, e.OwnerID, string(e.Status), strconv.FormatInt(e.ExpireAt.Unix(), 10)).Int()
	if err != nil {
		return false, fmt.Errorf("ledger create %s: %w", key, err)
	}
	return created == 1, nil
}

// Get 读取条目并归类为 Found / Expired / Missing。
// 只有仍处于 pending 且超过 expire_at 的条目算 Expired。
func (l *Ledger) Get(ctx context.Context, key string) (Lookup, error) {
	fields, err := l.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Lookup{}, fmt.Errorf("ledger get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Lookup{State: StateMissing}, nil
	}

	entry := parseEntry(fields)
	if entry.Status == StatusPending && l.now().After(entry.ExpireAt) {
		return Lookup{State: StateExpired, Entry: entry}, nil
	}
	return Lookup{State: StateFound, Entry: entry}, nil
}

// markScript 实现 pending→processing 的 test-and-set，返回条目当前状态。
var markScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return "missing"
end
local status = redis.call("HGET", KEYS[1], "status")
if status == "pending" then
	redis.call("HSET", KEYS[1], "status", "processing")
	return "ok"
end
return status
`)

// MarkOutcome 是 MarkProcessing 的结果变体。
type MarkOutcome string

const (
	MarkOK         MarkOutcome = "ok"         // 本次调用完成了翻转
	MarkMissing    MarkOutcome = "missing"    // 条目不存在
	MarkProcessing MarkOutcome = "processing" // 并发提交已翻转，调用方按幂等成功处理
	MarkCommitted  MarkOutcome = "committed"
	MarkError      MarkOutcome = "error"
)

// TryMarkProcessing 原子地把 pending 条目翻到 processing。
func (l *Ledger) TryMarkProcessing(ctx context.Context, key string) (MarkOutcome, error) {
	res, err := markScript.Run(ctx, l.rdb, []string{key}).Text()
	if err != nil {
		return "", fmt.Errorf("ledger mark processing %s: %w", key, err)
	}
	return MarkOutcome(res), nil
}

// SetStatus 无条件更新状态字段，供 Promoter 重申 processing 或落 error。
func (l *Ledger) SetStatus(ctx context.Context, key string, status Status) error {
	if err := l.rdb.HSet(ctx, key, fieldStatus, string(status)).Err(); err != nil {
		return fmt.Errorf("ledger set status %s: %w", key, err)
	}
	return nil
}

// Delete 删除单个条目。
func (l *Ledger) Delete(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ledger delete %s: %w", key, err)
	}
	return nil
}

// DeleteMany 批量删除条目键。
func (l *Ledger) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("ledger delete batch: %w", err)
	}
	return nil
}

// Scan 按游标分批列出条目键，供清扫任务增量遍历。
func (l *Ledger) Scan(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	keys, next, err := l.rdb.Scan(ctx, cursor, entryKeyPrefix+"*", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("ledger scan: %w", err)
	}
	return keys, next, nil
}

// SweepRecord 是清扫所需的最小字段集合。
type SweepRecord struct {
	Key      string
	RealPath string
	Status   Status
	ExpireAt time.Time
}

// FetchForSweep 用 pipeline 一次取回一批键的过期时间、路径与状态。
// 单键读取失败只跳过该键，不中断整批。
func (l *Ledger) FetchForSweep(ctx context.Context, keys []string) ([]SweepRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := l.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, key, fieldExpireAt, fieldRealPath, fieldStatus)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("ledger sweep fetch: %w", err)
	}

	records := make([]SweepRecord, 0, len(keys))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 3 || vals[0] == nil {
			continue
		}
		rec := SweepRecord{Key: keys[i]}
		if s, ok := vals[0].(string); ok {
			if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
				rec.ExpireAt = time.Unix(unix, 0)
			}
		}
		if s, ok := vals[1].(string); ok {
			rec.RealPath = s
		}
		if s, ok := vals[2].(string); ok {
			rec.Status = Status(s)
		}
		records = append(records, rec)
	}
	return records, nil
}

// AcquireLock 以 SET NX PX 语义获取集群级咨询锁，owner 作为持有者标记
// 写入锁值，便于诊断。拿不到锁不是错误，返回 false。
func (l *Ledger) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKeyPrefix+name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// unlockScript 只允许持有者本人释放，防止释放掉他人续租的锁。
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLock 释放咨询锁，非持有者调用是无害的空操作。
func (l *Ledger) ReleaseLock(ctx context.Context, name, owner string) error {
	if err := unlockScript.Run(ctx, l.rdb, []string{lockKeyPrefix + name}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// LockHolder 返回当前锁持有者标记，仅用于诊断输出。
func (l *Ledger) LockHolder(ctx context.Context, name string) (string, error) {
	val, err := l.rdb.Get(ctx, lockKeyPrefix+name).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock holder %s: %w", name, err)
	}
	return val, nil
}

// NextRunCount 递增并返回持久化的运行计数，供每 N 次触发一次的任务使用。
func (l *Ledger) NextRunCount(ctx context.Context, name string) (int64, error) {
	n, err := l.rdb.Incr(ctx, "staging:counter:"+name).Result()
	if err != nil {
		return 0, fmt.Errorf("run counter %s: %w", name, err)
	}
	return n, nil
}

func parseEntry(fields map[string]string) Entry {
	entry := Entry{
		RealPath: fields[fieldRealPath],
		OwnerID:  fields[fieldOwnerID],
		Status:   Status(fields[fieldStatus]),
	}
	if unix, err := strconv.ParseInt(fields[fieldExpireAt], 10, 64); err == nil {
		entry.ExpireAt = time.Unix(unix, 0)
	}
	return entry
}
