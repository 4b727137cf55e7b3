package xlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupDateFormat = "2006-01-02"

// rotateWriter appends to a log file and moves it aside at day boundaries.
// Rotated files are named {base}-{YYYY-MM-DD}{ext}; files older than maxAge
// days are removed after each rotation.
type rotateWriter struct {
	path   string
	base   string // path without extension
	ext    string // extension including the dot
	maxAge int

	mu     sync.Mutex
	file   *os.File
	opened time.Time // day the current file belongs to
}

func newRotateWriter(path string, maxAge int) (*rotateWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("xlog: empty log file path")
	}
	if filepath.Ext(path) == "" {
		path += ".log"
	}
	ext := filepath.Ext(path)
	w := &rotateWriter{
		path:   path,
		base:   strings.TrimSuffix(path, ext),
		ext:    ext,
		maxAge: maxAge,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("xlog: create log directory: %w", err)
	}

	// A leftover file from an earlier day is rotated before the first write.
	info, err := os.Stat(path)
	switch {
	case err == nil && !sameDay(info.ModTime(), time.Now()):
		w.opened = info.ModTime()
		if err := w.rotate(); err != nil {
			return nil, err
		}
		return w, nil
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("xlog: stat log file: %w", err)
	}

	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotateWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if !sameDay(time.Now(), w.opened) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *rotateWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotateWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("xlog: open log file: %w", err)
	}
	w.file = f
	w.opened = time.Now()
	return nil
}

// rotate moves the current file to its dated backup name and reopens the path.
func (w *rotateWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}

	backup := w.base + "-" + w.opened.Format(backupDateFormat) + w.ext
	if _, err := os.Stat(backup); err == nil {
		// A backup for that day already exists; merge instead of clobbering.
		if err := appendFile(w.path, backup); err != nil {
			return fmt.Errorf("xlog: merge rotated file: %w", err)
		}
		if err := os.Remove(w.path); err != nil {
			return fmt.Errorf("xlog: remove rotated file: %w", err)
		}
	} else if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("xlog: rename log file: %w", err)
	}

	if err := w.open(); err != nil {
		return err
	}
	if w.maxAge > 0 {
		go w.removeExpired()
	}
	return nil
}

func (w *rotateWriter) removeExpired() {
	dir := filepath.Dir(w.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	now := time.Now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local).
		AddDate(0, 0, -w.maxAge)
	prefix := filepath.Base(w.base) + "-"

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, w.ext) {
			continue
		}
		day, err := time.Parse(backupDateFormat, name[len(prefix):len(name)-len(w.ext)])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func appendFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
