package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Defaults(t *testing.T) {
	assert.Nil(t, Config{}.FileWriter())

	cfg := Config{File: FileConfig{Path: filepath.Join(t.TempDir(), "a.log")}}
	w := cfg.FileWriter()
	l, ok := w.(*lj.Logger)
	require.True(t, ok, "writer is not lumberjack.Logger")
	assert.Equal(t, 10, l.MaxSize)
	assert.Equal(t, 3, l.MaxBackups)
	assert.Equal(t, 7, l.MaxAge)
	_ = w.Close()
}

func TestFileWriter_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{Path: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	l := cfg.FileWriter().(*lj.Logger)
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 11, l.MaxAge)
	assert.True(t, l.Compress)
}

func TestNewSlogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := Config{Slog: SlogConfig{Level: LevelWarn}}.newSlogger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "k=v")
	assert.NotContains(t, out, "time=", "timestamps are off by default")
}

func TestNewSlogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := Config{Slog: SlogConfig{Format: FormatJSON, TimeStamps: true}}.newSlogger(&buf)
	log.Info("hello", "subscription", "s1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "s1", rec["subscription"])
	assert.Contains(t, rec, "time")
}

func TestNewSlogger_ColorKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := Config{Slog: SlogConfig{Color: true}}.newSlogger(&buf)
	log.With("component", "monitor").Error("probe failed")
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[31mERROR\033[0m "), "colored prefix: %q", out)
	assert.NotContains(t, out, `\x1b`, "escape codes must not be quoted")
	assert.NotContains(t, out, "level=ERROR")
	assert.Contains(t, out, "msg=\"probe failed\"")
	assert.Contains(t, out, "component=monitor")
}

func TestColorTextHandler_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	log := Config{Slog: SlogConfig{Color: true}}.newSlogger(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Info("tick", "n", i)
		}(i)
	}
	wg.Wait()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 20)
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "\033[32mINFO\033[0m msg=tick"), "line: %q", l)
	}
}

func TestNewSlogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	var console bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Color: true}, File: FileConfig{Path: path}}
	log := cfg.newSlogger(&console)
	log.Debug("to both")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to both")
	assert.False(t, strings.Contains(string(b), "\033["), "file output is never colored")
	assert.Contains(t, console.String(), "to both")
}

func TestLevelParsing(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Level("DEBUG").slogLevel())
	assert.Equal(t, slog.LevelWarn, Level("warning").slogLevel())
	assert.Equal(t, slog.LevelError, LevelError.slogLevel())
	assert.Equal(t, slog.LevelInfo, Level("").slogLevel())
}
