package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stagedTotal 记录成功进入隔离区的上传数
	stagedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_staging_staged_total",
			Help: "Uploads successfully staged into quarantine",
		},
		[]string{"category"},
	)

	// duplicateTotal 记录被在途冲突拒绝的上传数
	duplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelhub_staging_duplicate_total",
		Help: "Uploads rejected due to an in-flight duplicate",
	})

	// promotedTotal 记录完成升级的上传数
	promotedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelhub_staging_promoted_total",
			Help: "Staged files promoted into permanent storage",
		},
		[]string{"category"},
	)

	// promoteFailures 记录升级失败次数（含重试前的每次失败）
	promoteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelhub_staging_promote_failures_total",
		Help: "Promotion attempts that ended in failure",
	})

	// expiredReclaimed 记录过期清扫回收的账本条目数
	expiredReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelhub_staging_expired_reclaimed_total",
		Help: "Expired ledger entries reclaimed by the sweep",
	})

	// orphansRemoved 记录孤儿清扫删除的文件数
	orphansRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelhub_staging_orphans_removed_total",
		Help: "Orphaned quarantine files removed by the sweep",
	})
)
