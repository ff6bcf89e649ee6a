// Package local provides a Lister over a directory on the local filesystem.
package local

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/metrics"
	"github.com/fruitsalade/nsmirror/internal/model"
	"github.com/fruitsalade/nsmirror/internal/storage"
)

// Config holds local filesystem lister settings.
type Config struct {
	RootPath   string `json:"root_path"`
	Namespace  string `json:"namespace"` // namespace path mapped onto RootPath, default "/"
	ShowHidden bool   `json:"show_hidden"`
}

// sumEntry is the last digest computed for a file, valid while size and
// mtime are unchanged.
type sumEntry struct {
	size  int64
	mtime time.Time
	sum   string
}

// Lister lists directories below RootPath as namespace entries.
type Lister struct {
	rootPath   string
	namespace  string
	showHidden bool
	logger     *zap.Logger

	mu   sync.Mutex
	sums map[string]sumEntry // by host path
}

// New creates a new local filesystem lister.
func New(cfg Config, logger *zap.Logger) (*Lister, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}
	return &Lister{
		rootPath:   abs,
		namespace:  model.CleanPath(cfg.Namespace),
		showHidden: cfg.ShowHidden,
		logger:     logging.Named(logger, "storage.local"),
		sums:       make(map[string]sumEntry),
	}, nil
}

// NewFromJSON creates a Lister from raw JSON config.
func NewFromJSON(raw json.RawMessage, logger *zap.Logger) (*Lister, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg, logger)
}

// Connect checks that the root directory exists.
func (l *Lister) Connect(_ context.Context) error {
	info, err := os.Stat(l.rootPath)
	if err != nil {
		return fmt.Errorf("stat root path %s: %w", l.rootPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root path %s is not a directory", l.rootPath)
	}
	l.logger.Info("local lister ready",
		zap.String("root_path", l.rootPath),
		zap.String("namespace", l.namespace))
	return nil
}

func (l *Lister) fullPath(p string) (string, bool) {
	p = model.CleanPath(p)
	if !model.Within(l.namespace, p) {
		return "", false
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(p, l.namespace), "/")
	return filepath.Join(l.rootPath, filepath.FromSlash(rel)), true
}

// List returns the children of the namespace directory p.
func (l *Lister) List(ctx context.Context, p string) ([]model.Entry, error) {
	start := time.Now()
	entries, err := l.list(ctx, model.CleanPath(p))
	metrics.RecordStorageOperation(l.Type(), "list", time.Since(start), err == nil || errors.Is(err, storage.ErrNotFound))
	return entries, err
}

func (l *Lister) list(ctx context.Context, p string) ([]model.Entry, error) {
	full, ok := l.fullPath(p)
	if !ok {
		return nil, storage.NotFound(p)
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.NotFound(p)
		}
		return nil, fmt.Errorf("read dir %s: %w", p, err)
	}

	entries := make([]model.Entry, 0, len(dirents))
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !l.showHidden && strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		childFull := filepath.Join(full, d.Name())
		childPath := model.ChildPath(p, d.Name())
		ctime := birthTime(childFull, info)

		var e model.Entry
		switch {
		case info.IsDir():
			e, err = model.NewDir(childPath, ctime, info.ModTime())
		case info.Mode().IsRegular():
			var sum string
			sum, err = l.checksum(childFull, info)
			if err != nil {
				l.logger.Warn("checksum failed", zap.String("path", childPath), zap.Error(err))
				continue
			}
			e, err = model.NewFile(childPath, info.Size(), sum, ctime, info.ModTime())
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	l.logger.Debug("listed directory", zap.String("path", p), zap.Int("entries", len(entries)))
	return entries, nil
}

// checksum returns the BLAKE2b-256 digest of a file, reusing the previous
// result while size and mtime are unchanged.
func (l *Lister) checksum(full string, info fs.FileInfo) (string, error) {
	l.mu.Lock()
	cached, ok := l.sums[full]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.mtime.Equal(info.ModTime()) {
		return cached.sum, nil
	}

	f, err := os.Open(full)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	l.mu.Lock()
	l.sums[full] = sumEntry{size: info.Size(), mtime: info.ModTime(), sum: sum}
	l.mu.Unlock()
	return sum, nil
}

// Type returns "local".
func (l *Lister) Type() string { return "local" }

// Close drops the checksum cache.
func (l *Lister) Close() error {
	l.mu.Lock()
	l.sums = make(map[string]sumEntry)
	l.mu.Unlock()
	return nil
}
