package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// JSON switches the console sink from the pretty writer to raw JSON lines.
	JSON bool
	File FileConfig
	// Components overrides Level for loggers tagged with Component(name),
	// e.g. {"push": "debug"} while everything else stays at info.
	Components map[string]string
	// DebugPerSec caps debug entries per second across the process; the
	// per-recipient push failure logs can otherwise flood a large fan-out.
	// 0 keeps every entry.
	DebugPerSec int
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogPath = "./fanout.log"

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

type state struct {
	root  zerolog.Logger
	level zerolog.Level
	comps map[string]zerolog.Level
}

func (st *state) levelFor(comp string) zerolog.Level {
	if lv, ok := st.comps[comp]; ok {
		return lv
	}
	return st.level
}

// Service owns the sinks. Apply swaps them while loggers are in use.
type Service struct {
	mu    sync.Mutex
	file  *os.File
	state atomic.Pointer[state]
}

// New builds the service from cfg and returns it with its root logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply replaces sinks, levels and sampling. The previous log file is closed
// only after the new state is live.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		writers []io.Writer
		file    *os.File
	)
	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, newConsoleWriter(os.Stdout))
		}
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	st := &state{level: parseLevel(cfg.Level, zerolog.InfoLevel), comps: make(map[string]zerolog.Level, len(cfg.Components))}
	floor := st.level
	for comp, raw := range cfg.Components {
		lv, ok := ParseLevel(raw)
		if !ok {
			continue
		}
		st.comps[strings.TrimSpace(comp)] = lv
		floor = min(floor, lv)
	}

	root := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(floor).With().Timestamp().Logger()
	if cfg.DebugPerSec > 0 {
		root = root.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BurstSampler{Burst: uint32(cfg.DebugPerSec), Period: time.Second},
		})
	}
	st.root = root
	s.state.Store(st)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// ParseLevel maps a config string to a level. ok is false for unknown names.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	}
	return zerolog.InfoLevel, false
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if lv, ok := ParseLevel(s); ok {
		return lv
	}
	return def
}
