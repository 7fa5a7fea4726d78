package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"modelhub/internal/repository"
)

// NewCatalogRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// CatalogRepository 实现 repository.Catalog。
type CatalogRepository struct {
	db *sql.DB
}

// 类别与字段都通过白名单映射到表名和列名，SQL 里永远不会拼接
// 客户端原始输入。
var categoryTables = map[repository.Category]string{
	repository.CategoryModel:   "models",
	repository.CategoryDataset: "datasets",
}

var fileFieldColumns = map[string]string{
	repository.FileFieldIcon: "icon_path",
	repository.FileFieldCard: "card_path",
}

const catalogColumns = "id, owner_id, name, description, icon_path, card_path, created_at, updated_at"

func tableFor(category repository.Category) (string, error) {
	table, ok := categoryTables[category]
	if !ok {
		return "", fmt.Errorf("unknown category %q", category)
	}
	return table, nil
}

// Create 插入目录记录并返回数据库生成字段（如时间戳）。
func (r *CatalogRepository) Create(ctx context.Context, category repository.Category, record *repository.CatalogRecord) (*repository.CatalogRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("catalog record is nil")
	}

	table, err := tableFor(category)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, owner_id, name, description)
	VALUES ($1, $2, $3, $4)
	RETURNING %s`, table, catalogColumns)

	row := r.db.QueryRowContext(ctx, query, record.ID, record.OwnerID, record.Name, record.Description)
	return scanCatalogRecord(row)
}

// GetByID 通过主键查询目录记录。
func (r *CatalogRepository) GetByID(ctx context.Context, category repository.Category, id string) (*repository.CatalogRecord, error) {
	table, err := tableFor(category)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, catalogColumns, table)
	row := r.db.QueryRowContext(ctx, query, id)
	record, err := scanCatalogRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// List 按创建时间倒序分页列出目录记录。
func (r *CatalogRepository) List(ctx context.Context, category repository.Category, params repository.ListParams) ([]repository.CatalogRecord, error) {
	table, err := tableFor(category)
	if err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1 OFFSET $2`, catalogColumns, table)
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []repository.CatalogRecord
	for rows.Next() {
		rec, err := scanCatalogRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// UpdateFileReference 在单个事务内锁行、读出旧引用、写入新引用。
// 文件写入确认落盘之前不允许调用这里。
func (r *CatalogRepository) UpdateFileReference(ctx context.Context, category repository.Category, id, field, newPath string) (string, error) {
	table, err := tableFor(category)
	if err != nil {
		return "", err
	}
	column, ok := fileFieldColumns[field]
	if !ok {
		return "", fmt.Errorf("unknown file field %q", field)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var previous string
	selectQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, column, table)
	if err := tx.QueryRowContext(ctx, selectQuery, id).Scan(&previous); err != nil {
		if err == sql.ErrNoRows {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("lock %s row: %w", table, err)
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET %s = $1, updated_at = $2 WHERE id = $3`, table, column)
	if _, err := tx.ExecContext(ctx, updateQuery, newPath, time.Now().UTC(), id); err != nil {
		return "", fmt.Errorf("update %s.%s: %w", table, column, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reference update: %w", err)
	}

	return previous, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCatalogRecord(rs rowScanner) (*repository.CatalogRecord, error) {
	var rec repository.CatalogRecord
	if err := rs.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Name,
		&rec.Description,
		&rec.IconPath,
		&rec.CardPath,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
