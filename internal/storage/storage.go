package storage

import (
	"context"
	"io"
)

// Writer 定义正式存储写接口，支持流式写入。
type Writer interface {
	Write(ctx context.Context, key string, r io.Reader) (Location, error)
}

// Reader 定义正式存储读接口，支持流式读取。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
}

// Deleter 定义正式存储删除接口，旧引用被替换后由升级任务调用。
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Store 组合了读写删能力的完整存储接口。
type Store interface {
	Writer
	Reader
	Deleter
}

// Location 描述已经写入对象的可访问信息。Path 是确定性推导出的
// 存储键，会被记录到实体字段上。
type Location struct {
	Path string
	URL  string
}
