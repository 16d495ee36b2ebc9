package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStoreSaveAndOpen(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root, 1024)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ref, err := store.SaveRecording(context.Background(), "session-1", "clip.WEBM", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(ref, "session-1/") || !strings.HasSuffix(ref, ".webm") {
		t.Fatalf("unexpected ref %q", ref)
	}

	rc, err := store.Open(ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "video-bytes" {
		t.Fatalf("content = %q", data)
	}
}

func TestFileStoreRejectsOversizedUpload(t *testing.T) {
	root := t.TempDir()
	store, _ := NewFileStore(root, 4)

	_, err := store.SaveRecording(context.Background(), "s", "a.webm", strings.NewReader("too large"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "s"))
	if len(entries) != 0 {
		t.Fatal("partial upload left on disk")
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), 0)
	if _, err := store.SaveRecording(context.Background(), "../etc", "a", strings.NewReader("x")); err == nil {
		t.Fatal("expected traversal rejection")
	}
	if _, err := store.Open("../../etc/passwd"); err == nil {
		t.Fatal("expected traversal rejection on open")
	}
}

func TestFileStoreRemoveSession(t *testing.T) {
	root := t.TempDir()
	store, _ := NewFileStore(root, 0)
	if _, err := store.SaveRecording(context.Background(), "s1", "a.webm", strings.NewReader("x")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.RemoveSession("s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "s1")); !os.IsNotExist(err) {
		t.Fatal("session dir still present")
	}
}
