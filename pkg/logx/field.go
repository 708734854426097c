package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ComponentKey is the field that selects a per-component level override.
const ComponentKey = "comp"

// Field is one key/value pair on a log entry. Fields apply in order, so a
// repeated key keeps the last value.
type Field struct {
	Key   string
	str   string
	apply func(e *zerolog.Event)
}

func String(k, v string) Field {
	return Field{Key: k, str: v, apply: func(e *zerolog.Event) { e.Str(k, v) }}
}

// Component tags a logger with the component name used for level overrides.
func Component(name string) Field { return String(ComponentKey, name) }

func Int(k string, v int) Field {
	return Field{Key: k, apply: func(e *zerolog.Event) { e.Int(k, v) }}
}

func Uint64(k string, v uint64) Field {
	return Field{Key: k, apply: func(e *zerolog.Event) { e.Uint64(k, v) }}
}

func Bool(k string, v bool) Field {
	return Field{Key: k, apply: func(e *zerolog.Event) { e.Bool(k, v) }}
}

func Duration(k string, v time.Duration) Field {
	return Field{Key: k, apply: func(e *zerolog.Event) { e.Dur(k, v) }}
}

func Time(k string, v time.Time) Field {
	return Field{Key: k, apply: func(e *zerolog.Event) { e.Time(k, v) }}
}

func Strings(k string, v []string) Field {
	return Field{Key: k, apply: func(e *zerolog.Event) { e.Strs(k, v) }}
}

func Any(k string, v any) Field {
	return Field{Key: k, apply: func(e *zerolog.Event) { e.Interface(k, v) }}
}

// Err adds err under "err". A nil error adds nothing.
func Err(err error) Field {
	return Field{Key: "err", apply: func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}}
}

func Stack(stack string) Field {
	return Field{Key: "stack", apply: func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}}
}
