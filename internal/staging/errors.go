package staging

import "errors"

// 暂存流水线的错误分类。Stager/Committer 把它们同步暴露给 HTTP 层，
// 异步任务侧只区分可重试与终止两类。
var (
	// ErrValidation 表示客户端输入不合法（类别、字段、扩展名等）。
	ErrValidation = errors.New("staging: invalid input")
	// ErrUpload 表示上传流不可读或不可回绕。
	ErrUpload = errors.New("staging: unreadable upload stream")
	// ErrDuplicateUpload 表示同一元组已有在途上传，调用方不应重复提交。
	ErrDuplicateUpload = errors.New("staging: duplicate in-flight upload")
	// ErrAlreadyCommitted 表示该引用已经提交过，幂等冲突。
	ErrAlreadyCommitted = errors.New("staging: upload already committed")
	// ErrNotFound 表示引用未知或已过期。
	ErrNotFound = errors.New("staging: staging entry not found")
	// ErrPermission 表示提交者与上传者身份不符。
	ErrPermission = errors.New("staging: owner mismatch")
	// ErrPromotionFailed 表示该条目此前升级失败，等待人工或清扫处理。
	ErrPromotionFailed = errors.New("staging: entry held after failed promotion")
	// ErrTerminal 标记不可重试的任务失败，任务运行器据此放弃重试。
	ErrTerminal = errors.New("staging: terminal task failure")
)
