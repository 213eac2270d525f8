package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingFile = errors.New("no file provided")
	ErrTooLarge    = errors.New("file exceeds upload limit")
)

// collisionRetries bounds how many later timestamps are tried when two
// uploads with the same name land in the same millisecond.
const collisionRetries = 16

// Receiver persists uploaded files under a single directory as
// <epoch-ms>-<original base name>.
type Receiver struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

func NewReceiver(dir string, maxBytes int64) *Receiver {
	return &Receiver{dir: dir, maxBytes: maxBytes, now: time.Now}
}

// Dir returns the absolute upload directory.
func (r *Receiver) Dir() (string, error) {
	return filepath.Abs(r.dir)
}

// Save stores a multipart upload and returns its absolute path.
func (r *Receiver) Save(fh *multipart.FileHeader) (string, error) {
	if fh == nil {
		return "", ErrMissingFile
	}
	if r.maxBytes > 0 && fh.Size > r.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, fh.Size)
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	return r.write(fh.Filename, src)
}

// SaveBytes stores server-produced content (e.g. extracted video frames)
// with the same naming scheme as uploads.
func (r *Receiver) SaveBytes(name string, data []byte) (string, error) {
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return r.write(name, bytes.NewReader(data))
}

func (r *Receiver) write(originalName string, src io.Reader) (string, error) {
	dir, err := r.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	base := SanitizeName(originalName)
	ms := r.now().UnixMilli()

	var f *os.File
	var path string
	for i := 0; i < collisionRetries; i++ {
		path = filepath.Join(dir, strconv.FormatInt(ms+int64(i), 10)+"-"+base)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil || !errors.Is(err, os.ErrExist) {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

// SanitizeName reduces a client-supplied file name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	switch name {
	case "", ".", "..", "/":
		return "upload"
	}
	return name
}
