package logger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	color "github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOptions struct {
	debug    bool
	format   string
	exporter string
	writers  []io.Writer
	fields   map[string]string
}

func (f fakeOptions) ServiceName() string            { return "durableflow-test" }
func (f fakeOptions) GetVersion() string             { return "v0.0.0" }
func (f fakeOptions) DebugMode() bool                { return f.debug }
func (f fakeOptions) Writers() []io.Writer           { return f.writers }
func (f fakeOptions) LogLevel() slog.Level           { return slog.LevelInfo }
func (f fakeOptions) LogFormat() string              { return f.format }
func (f fakeOptions) OTELExporter() string           { return f.exporter }
func (f fakeOptions) OTELEndpoint() string           { return "" }
func (f fakeOptions) ExtraFields() map[string]string { return f.fields }

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestDebugHandlerFormatsAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewDebugHandler(&buf, slog.LevelDebug)).With("instance_id", "order-1")

	log.WithGroup("task").Info("leased", "kind", "activity", "attempt", 2, "err", errors.New("boom"))
	log.Debug("replayed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], " INFO  leased instance_id=\"order-1\" task.kind=\"activity\" task.attempt=2 task.err=\"boom\"")
	assert.Contains(t, lines[1], " DEBUG  replayed instance_id=\"order-1\"")
}

func TestDebugHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewDebugHandler(&buf, slog.LevelWarn))
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLoggerFansOutToWriters(t *testing.T) {
	var a, b bytes.Buffer
	l, err := NewLogger(context.Background(), fakeOptions{
		format:  "json",
		writers: []io.Writer{&a, &b},
		fields:  map[string]string{"region": "eu"},
	})
	require.NoError(t, err)
	assert.Nil(t, l.LoggerProvider, "no exporter configured")

	l.Slogger.Info("started", "run_id", "r1")
	for _, buf := range []*bytes.Buffer{&a, &b} {
		assert.Contains(t, buf.String(), `"msg":"started"`)
		assert.Contains(t, buf.String(), `"run_id":"r1"`)
		assert.Contains(t, buf.String(), `"region":"eu"`)
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(context.Background(), fakeOptions{format: "text", writers: []io.Writer{&buf}})
	require.NoError(t, err)
	l.Slogger.Info("started")
	assert.Contains(t, buf.String(), "msg=started")
}

func TestNewLoggerErrors(t *testing.T) {
	_, err := NewLogger(context.Background(), fakeOptions{})
	require.ErrorContains(t, err, "no log writer")

	_, err = NewLogger(context.Background(), fakeOptions{writers: []io.Writer{io.Discard}, exporter: "zipkin"})
	require.ErrorContains(t, err, `unknown log exporter "zipkin"`)
}
