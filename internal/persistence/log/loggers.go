// Package log keeps the per-world audit trail of accepted voxel edits.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelstream/internal/sim/world"
)

const (
	auditSubdir = "audit"
	auditPrefix = "voxels-"
	auditSuffix = ".jsonl.zst"
	hourLayout  = "2006-01-02-15"

	// Entries buffered before the encoder is flushed to disk.
	flushEvery = 64
)

// AuditLog appends accepted voxel edits as zstd-compressed JSONL, one file per UTC hour
// under <worldDir>/audit. Reopening an hour appends a new zstd frame to its file.
type AuditLog struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	hour    string
	f       *os.File
	enc     *zstd.Encoder
	buf     *bufio.Writer
	pending int
	written uint64
}

func NewAuditLog(worldDir string) *AuditLog {
	return &AuditLog{dir: filepath.Join(worldDir, auditSubdir), now: time.Now}
}

func (l *AuditLog) Dir() string { return l.dir }

// WriteAudit implements world.AuditLogger.
func (l *AuditLog) WriteAudit(e world.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.At.IsZero() {
		e.At = l.now()
	}
	hour := e.At.UTC().Format(hourLayout)
	if hour != l.hour {
		if err := l.rotateLocked(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.buf.Write(append(b, '\n')); err != nil {
		return err
	}
	l.written++
	l.pending++
	if l.pending >= flushEvery {
		return l.flushLocked()
	}
	return nil
}

// Flush ends the current zstd frame so everything written so far decodes on its own.
func (l *AuditLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

// Written counts entries accepted since the log was opened.
func (l *AuditLog) Written() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *AuditLog) flushLocked() error {
	if l.buf == nil {
		return nil
	}
	l.pending = 0
	if err := l.buf.Flush(); err != nil {
		return err
	}
	if err := l.enc.Close(); err != nil {
		return err
	}
	l.enc.Reset(l.f)
	return nil
}

func (l *AuditLog) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f, l.enc, l.buf, l.hour = f, enc, bufio.NewWriterSize(enc, 64*1024), hour
	return nil
}

func (l *AuditLog) closeLocked() error {
	if l.f == nil {
		return nil
	}
	var errs []error
	if err := l.buf.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := l.enc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, err)
	}
	l.f, l.enc, l.buf, l.hour, l.pending = nil, nil, nil, "", 0
	return errors.Join(errs...)
}

func (l *AuditLog) path(hour string) string {
	return filepath.Join(l.dir, auditPrefix+hour+auditSuffix)
}

// ReadAudit calls fn for every entry under dir, oldest hour first. A missing directory
// holds no entries. Returning io.EOF from fn stops the walk without error.
func ReadAudit(dir string, fn func(world.AuditEntry) error) error {
	files, err := filepath.Glob(filepath.Join(dir, auditPrefix+"*"+auditSuffix))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, p := range files {
		if err := readAuditFile(p, fn); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func readAuditFile(path string, fn func(world.AuditEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e world.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	// A file cut short by a crash ends in a truncated frame; keep what decoded.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// Tail returns up to n of the newest entries under dir, oldest first.
func Tail(dir string, n int) ([]world.AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	var ring []world.AuditEntry
	err := ReadAudit(dir, func(e world.AuditEntry) error {
		ring = append(ring, e)
		if len(ring) > n {
			ring = ring[1:]
		}
		return nil
	})
	return ring, err
}
