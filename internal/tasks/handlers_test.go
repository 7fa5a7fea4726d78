package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"modelhub/internal/contentstore"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func newDeleteHandlers(t *testing.T) (*Handlers, string) {
	t.Helper()
	tempRoot := t.TempDir()
	return &Handlers{
		Content:  contentstore.New(),
		TempRoot: tempRoot,
		Logger:   log.New(io.Discard, "", 0),
	}, tempRoot
}

func deleteTask(t *testing.T, payload DeleteFilePayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(TypeDeleteFile, raw)
}

func TestHandleDeleteFileRemovesAndPrunes(t *testing.T) {
	h, tempRoot := newDeleteHandlers(t)

	dir := filepath.Join(tempRoot, "staging", "model", "e1", "card", "2024061512")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "abc.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	task := deleteTask(t, DeleteFilePayload{Path: path, PruneRoot: tempRoot})
	require.NoError(t, h.HandleDeleteFile(context.Background(), task))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	// 清空后的目录链也应被收走
	_, err = os.Stat(filepath.Join(tempRoot, "staging"))
	require.True(t, os.IsNotExist(err))
}

func TestHandleDeleteFileIdempotent(t *testing.T) {
	h, tempRoot := newDeleteHandlers(t)

	task := deleteTask(t, DeleteFilePayload{
		Path:      filepath.Join(tempRoot, "gone.md"),
		PruneRoot: tempRoot,
	})
	// 目标已不存在时任务重放必须安静成功
	require.NoError(t, h.HandleDeleteFile(context.Background(), task))
}

func TestHandleDeleteFileRejectsEscape(t *testing.T) {
	h, tempRoot := newDeleteHandlers(t)

	task := deleteTask(t, DeleteFilePayload{Path: "/etc/passwd", PruneRoot: tempRoot})
	err := h.HandleDeleteFile(context.Background(), task)
	require.Error(t, err)
	// 越界路径属于终止性失败，不允许重试
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleDeleteFileBadPayload(t *testing.T) {
	h, _ := newDeleteHandlers(t)

	err := h.HandleDeleteFile(context.Background(), asynq.NewTask(TypeDeleteFile, []byte("{broken")))
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))
}
