package chirp

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// zerologWriterLevel filters writes below a minimum level before forwarding
// to w, which may itself be nil to discard everything (used for a disabled
// sink that can still be swapped in later).
type zerologWriterLevel struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*zerologWriterLevel)(nil)

func newZerologWriterLevel(w io.Writer, l zerolog.Level) *zerologWriterLevel {
	return &zerologWriterLevel{w: w, l: l}
}

func (wl *zerologWriterLevel) Write(p []byte) (n int, err error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) WriteLevel(l zerolog.Level, p []byte) (n int, err error) {
	if l >= wl.l {
		wl.m.Lock()
		defer wl.m.Unlock()
		if wl.w != nil {
			if lw, ok := wl.w.(zerolog.LevelWriter); ok {
				return lw.WriteLevel(l, p)
			}
			return wl.w.Write(p)
		}
	}
	return len(p), nil
}

// configureLogging builds a logger from cfg, following the same stdout
// (optionally pretty) + leveled log file layering as Atlas.
func configureLogging(cfg *Config) (zerolog.Logger, error) {
	var outputs []io.Writer
	if cfg.LogStdout {
		if cfg.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{Out: os.Stdout}, cfg.LogLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, cfg.LogLevel))
		}
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return zerolog.Logger{}, err
		}
		outputs = append(outputs, newZerologWriterLevel(f, cfg.LogFileLevel))
	}
	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(cfg.LogLevel).
		With().
		Timestamp().
		Logger(), nil
}
