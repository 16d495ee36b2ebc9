package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Store persists uploaded recordings and returns an opaque reference.
type Store interface {
	SaveRecording(ctx context.Context, sessionKey, filename string, r io.Reader) (string, error)
	Open(ref string) (io.ReadCloser, error)
	RemoveSession(sessionKey string) error
}

// FileStore writes recordings under a local directory as
// {root}/{sessionKey}/{uuid}{ext}. The reference is the path relative to root.
type FileStore struct {
	root     string
	maxBytes int64
}

// NewFileStore 创建本地录像存储，目录不存在时自动创建。
func NewFileStore(root string, maxBytes int64) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &FileStore{root: filepath.Clean(root), maxBytes: maxBytes}, nil
}

func (f *FileStore) SaveRecording(ctx context.Context, sessionKey, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sessionKey == "" || strings.ContainsAny(sessionKey, `/\`) || strings.Contains(sessionKey, "..") {
		return "", fmt.Errorf("invalid session key")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 8 {
		ext = ""
	}

	dir := filepath.Join(f.root, sessionKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	name := uuid.NewString() + ext
	path := filepath.Join(dir, name)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create recording: %w", err)
	}

	src := r
	if f.maxBytes > 0 {
		src = io.LimitReader(r, f.maxBytes+1)
	}
	written, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr == nil && f.maxBytes > 0 && written > f.maxBytes {
		copyErr = ErrTooLarge
	}
	if copyErr == nil && written == 0 {
		copyErr = fmt.Errorf("recording is empty")
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(path)
		return "", copyErr
	}
	return filepath.ToSlash(filepath.Join(sessionKey, name)), nil
}

// Open reads a stored recording back.
func (f *FileStore) Open(ref string) (io.ReadCloser, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid recording reference")
	}
	return os.Open(filepath.Join(f.root, clean))
}

// RemoveSession deletes every recording of sessionKey.
func (f *FileStore) RemoveSession(sessionKey string) error {
	if sessionKey == "" || strings.ContainsAny(sessionKey, `/\`) || strings.Contains(sessionKey, "..") {
		return fmt.Errorf("invalid session key")
	}
	return os.RemoveAll(filepath.Join(f.root, sessionKey))
}
