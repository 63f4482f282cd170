// Package charm adapts a charmbracelet/log logger to fetchcache.Logger.
package charm

import (
	"sort"

	"github.com/charmbracelet/log"
	"github.com/unkn0wn-root/fetchcache"
)

var _ fetchcache.Logger = Logger{}

type Logger struct{ L *log.Logger }

// New wraps l; a nil l uses log.Default.
func New(l *log.Logger) Logger {
	if l == nil {
		l = log.Default()
	}
	return Logger{L: l}
}

func (c Logger) Debug(msg string, f fetchcache.Fields) { c.L.Debug(msg, kv(f)...) }
func (c Logger) Info(msg string, f fetchcache.Fields)  { c.L.Info(msg, kv(f)...) }
func (c Logger) Warn(msg string, f fetchcache.Fields)  { c.L.Warn(msg, kv(f)...) }
func (c Logger) Error(msg string, f fetchcache.Fields) { c.L.Error(msg, kv(f)...) }

// kv flattens f into sorted key/value pairs so terminal output is stable.
func kv(f fetchcache.Fields) []any {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(f))
	for _, k := range keys {
		out = append(out, k, f[k])
	}
	return out
}
