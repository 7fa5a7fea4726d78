package staging

import (
	"encoding/base64"
	"fmt"
	"strings"

	"modelhub/internal/ledger"
)

const tokenVersion = "1"

// Reference 是返回给调用方的不透明引用的内部表示。其中只包含
// 非敏感标识符，足以还原账本键，绝不携带文件系统路径。
type Reference struct {
	OwnerID  string
	Category string
	EntityID string
	Field    string
	Version  string
	Digest   string
}

// Encode 把引用序列化为 URL 安全的不透明 token。
func (r Reference) Encode() string {
	raw := strings.Join([]string{tokenVersion, r.OwnerID, r.Category, r.EntityID, r.Field, r.Version, r.Digest}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// LedgerKey 由引用的各分量推导账本键。
func (r Reference) LedgerKey() string {
	return ledger.EntryKey(r.OwnerID, r.Category, r.EntityID, r.Field, r.Version, r.Digest)
}

// DecodeReference 解析 token，任何畸形输入都归类为校验错误。
func DecodeReference(token string) (Reference, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Reference{}, fmt.Errorf("malformed reference: %w", ErrValidation)
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 7 || parts[0] != tokenVersion {
		return Reference{}, fmt.Errorf("malformed reference: %w", ErrValidation)
	}
	for _, part := range parts[1:] {
		if part == "" {
			return Reference{}, fmt.Errorf("malformed reference: %w", ErrValidation)
		}
	}

	return Reference{
		OwnerID:  parts[1],
		Category: parts[2],
		EntityID: parts[3],
		Field:    parts[4],
		Version:  parts[5],
		Digest:   parts[6],
	}, nil
}
