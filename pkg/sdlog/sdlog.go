// Package sdlog builds the zerolog logger shared by every long-lived
// component of the broker (daemon and client library alike), and mints the
// short correlation ids attached to accepted connections.
package sdlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Config controls where log output goes and at what level.
type Config struct {
	Stdout        bool
	StdoutPretty  bool
	StdoutLevel   zerolog.Level
	File          string
	FileLevel     zerolog.Level
}

// New builds a zerolog.Logger per cfg. reopen, if non-nil, reopens the log
// file (call it on SIGHUP).
func New(cfg Config) (logger zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if cfg.Stdout {
		if cfg.StdoutPretty {
			outputs = append(outputs, newLevelWriter(zerolog.ConsoleWriter{Out: os.Stdout}, cfg.StdoutLevel))
		} else {
			outputs = append(outputs, newLevelWriter(os.Stdout, cfg.StdoutLevel))
		}
	}
	if cfg.File != "" {
		fn, aerr := filepath.Abs(cfg.File)
		if aerr != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("resolve log file: %w", aerr)
		}
		x := newLevelWriter(nil, cfg.FileLevel)
		reopen = func() {
			x.swap(func(old io.Writer) io.Writer {
				if c, ok := old.(io.Closer); ok {
					c.Close()
				}
				f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
					return nil
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		With().
		Timestamp().
		Logger()
	return logger, reopen, nil
}

// levelWriter is an io.Writer/zerolog.LevelWriter whose underlying sink can
// be hot-swapped (for log rotation) and which drops everything below a
// configured minimum level.
type levelWriter struct {
	mu sync.Mutex
	w  io.Writer
	l  zerolog.Level
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func newLevelWriter(w io.Writer, l zerolog.Level) *levelWriter {
	return &levelWriter{w: w, l: l}
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return len(p), nil
	}
	return lw.w.Write(p)
}

func (lw *levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < lw.l {
		return len(p), nil
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return len(p), nil
	}
	if vw, ok := lw.w.(zerolog.LevelWriter); ok {
		return vw.WriteLevel(l, p)
	}
	return lw.w.Write(p)
}

func (lw *levelWriter) swap(fn func(io.Writer) io.Writer) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.w = fn(lw.w)
}

// NewCorrelationID mints a short, sortable id for a connection, to be
// attached as a log field (pkg/ipc uses "cid") so a reader can isolate one
// flow out of an interleaved daemon log.
func NewCorrelationID() string {
	return xid.New().String()
}
