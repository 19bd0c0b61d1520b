// Package spool persists terminal scrollback across server restarts as
// zstd-compressed files, one per terminal.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhub/internal/shared/id"
)

const ext = ".zst"

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithZeroFrames(true))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Spool stores scrollback snapshots under a directory. A nil *Spool is
// valid and stores nothing.
type Spool struct {
	dir    string
	logger *logging.Logger
}

// New creates the spool directory if needed.
func New(dir string, logger *logging.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Spool{dir: dir, logger: logger.Named("spool")}, nil
}

func (s *Spool) path(tid id.TerminalID) string {
	return filepath.Join(s.dir, string(tid)+ext)
}

// Save replaces the snapshot for tid. The write is atomic.
func (s *Spool) Save(tid id.TerminalID, data []byte) error {
	if s == nil {
		return nil
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/4))

	tmp, err := os.CreateTemp(s.dir, string(tid)+".*.tmp")
	if err != nil {
		return fmt.Errorf("spool %s: %w", tid, err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("spool %s: %w", tid, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("spool %s: %w", tid, err)
	}
	if err := os.Rename(tmp.Name(), s.path(tid)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("spool %s: %w", tid, err)
	}
	return nil
}

// Load returns the snapshot for tid. ok is false when none was saved.
func (s *Spool) Load(tid id.TerminalID) (data []byte, ok bool, err error) {
	if s == nil {
		return nil, false, nil
	}
	compressed, err := os.ReadFile(s.path(tid))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read spool %s: %w", tid, err)
	}
	if len(compressed) == 0 {
		return []byte{}, true, nil
	}
	data, err = decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decode spool %s: %w", tid, err)
	}
	return data, true, nil
}

// Remove deletes the snapshot for tid, if any.
func (s *Spool) Remove(tid id.TerminalID) error {
	if s == nil {
		return nil
	}
	if err := os.Remove(s.path(tid)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spool %s: %w", tid, err)
	}
	return nil
}

// Prune deletes snapshots whose terminal keep rejects, along with any
// temp files left by an interrupted Save. It returns the number removed.
func (s *Spool) Prune(keep func(id.TerminalID) bool) (int, error) {
	if s == nil {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		removed int
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != s.dir {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		stale := strings.HasSuffix(name, ".tmp")
		if !stale {
			base, found := strings.CutSuffix(name, ext)
			if !found {
				return nil
			}
			stale = !id.IsTerminalID(base) || !keep(id.TerminalID(base))
		}
		if !stale {
			return nil
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("prune failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		mu.Lock()
		removed++
		mu.Unlock()
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("prune spool: %w", err)
	}
	return removed, nil
}
