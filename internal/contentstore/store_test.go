package contentstore

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveWritesContent(t *testing.T) {
	store := New()
	dir := filepath.Join(t.TempDir(), "a", "b")

	path, err := store.Save(strings.NewReader("hello world"), dir, "note.md")
	if err != nil {
		t.Fatalf("Save 失败: %v", err)
	}
	if path != filepath.Join(dir, "note.md") {
		t.Fatalf("返回路径不符: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读回文件失败: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("文件内容不符: %q", data)
	}
}

func TestSaveRejectsEmptyContent(t *testing.T) {
	store := New()
	dir := t.TempDir()

	_, err := store.Save(strings.NewReader(""), dir, "empty.md")
	if !errors.Is(err, ErrStorageWrite) {
		t.Fatalf("期望 ErrStorageWrite, 得到: %v", err)
	}
	if _, serr := os.Stat(filepath.Join(dir, "empty.md")); !os.IsNotExist(serr) {
		t.Fatal("空内容写入后文件不应存在")
	}
}

func TestSaveVerifiesImages(t *testing.T) {
	store := New()
	dir := t.TempDir()

	// 伪装成图片的垃圾数据必须被拒绝，且文件被清理
	_, err := store.Save(strings.NewReader("definitely not a png"), dir, "bad.png")
	if !errors.Is(err, ErrContentInvalid) {
		t.Fatalf("期望 ErrContentInvalid, 得到: %v", err)
	}
	if _, serr := os.Stat(filepath.Join(dir, "bad.png")); !os.IsNotExist(serr) {
		t.Fatal("校验失败后文件应已删除")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("生成测试图片失败: %v", err)
	}
	if _, err := store.Save(&buf, dir, "good.png"); err != nil {
		t.Fatalf("合法图片不应被拒绝: %v", err)
	}
}

func TestDeleteToleratesMissing(t *testing.T) {
	store := New()
	if err := store.Delete(filepath.Join(t.TempDir(), "gone.md")); err != nil {
		t.Fatalf("删除不存在的文件应当成功: %v", err)
	}
}

func TestPruneEmptyAncestors(t *testing.T) {
	store := New()
	root := t.TempDir()
	dir := filepath.Join(root, "x", "y", "z")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "f.md")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(path); err != nil {
		t.Fatal(err)
	}
	if err := store.PruneEmptyAncestors(path, root); err != nil {
		t.Fatalf("PruneEmptyAncestors 失败: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "x")); !os.IsNotExist(err) {
		t.Fatal("空目录链应被清除")
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatal("停止目录自身不应被删除")
	}
}

func TestPruneStopsAtNonEmptyDir(t *testing.T) {
	store := New()
	root := t.TempDir()
	dir := filepath.Join(root, "x", "y")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	sibling := filepath.Join(root, "x", "keep.md")
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "f.md")
	if err := store.PruneEmptyAncestors(path, root); err != nil {
		t.Fatalf("PruneEmptyAncestors 失败: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "x", "y")); !os.IsNotExist(err) {
		t.Fatal("空目录 y 应被清除")
	}
	if _, err := os.Stat(filepath.Join(root, "x")); err != nil {
		t.Fatal("非空目录 x 不应被删除")
	}
}

func TestPruneRefusesOutsideStopDir(t *testing.T) {
	store := New()
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "elsewhere", "f.md")

	if err := store.PruneEmptyAncestors(outside, root); err == nil {
		t.Fatal("停止目录之外的路径必须被拒绝")
	}
}

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()

	inside := filepath.Join(root, "a", "b.md")
	if _, err := ResolveUnder(root, inside); err != nil {
		t.Fatalf("根内路径不应被拒绝: %v", err)
	}

	escape := filepath.Join(root, "..", "b.md")
	if _, err := ResolveUnder(root, escape); err == nil {
		t.Fatal("越界路径必须被拒绝")
	}
}

func TestResolveUnderRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("当前环境不支持符号链接: %v", err)
	}

	if _, err := ResolveUnder(root, filepath.Join(link, "f.md")); err == nil {
		t.Fatal("经符号链接引出根外的路径必须被拒绝")
	}
}
