package repository

import (
	"context"
	"time"
)

// Category 标识目录实体的类别，同时决定上传文件的归属表。
type Category string

const (
	CategoryModel   Category = "model"
	CategoryDataset Category = "dataset"
)

// ValidCategory 判断类别是否受支持。
func ValidCategory(raw string) bool {
	switch Category(raw) {
	case CategoryModel, CategoryDataset:
		return true
	default:
		return false
	}
}

// 可上传字段。每个字段对应实体上的一列字符串引用，只由升级任务在
// 数据库事务内更新。
const (
	FileFieldIcon = "icon"
	FileFieldCard = "card"
)

// ValidFileField 判断上传目标字段是否受支持。
func ValidFileField(raw string) bool {
	switch raw {
	case FileFieldIcon, FileFieldCard:
		return true
	default:
		return false
	}
}

// CatalogRecord 代表一条模型或数据集记录。
type CatalogRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IconPath    string    `json:"icon_path,omitempty"`
	CardPath    string    `json:"card_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListParams 用于分页检索目录实体。
type ListParams struct {
	Limit  int
	Offset int
}

// Catalog 统一目录实体的持久层接口。
type Catalog interface {
	Create(ctx context.Context, category Category, record *CatalogRecord) (*CatalogRecord, error)
	GetByID(ctx context.Context, category Category, id string) (*CatalogRecord, error)
	List(ctx context.Context, category Category, params ListParams) ([]CatalogRecord, error)
	// UpdateFileReference 在单个事务内把 field 对应的列更新为 newPath，
	// 并返回更新前的旧引用，供调用方清理旧文件。
	UpdateFileReference(ctx context.Context, category Category, id, field, newPath string) (string, error)
}
