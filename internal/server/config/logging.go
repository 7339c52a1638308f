package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LevelTrace sits below slog.LevelDebug and enables replay tracing.
const LevelTrace = slog.Level(-8)

var logLevels = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

type LoggerConfig struct {
	Level          string      `env:"LEVEL"         envDefault:"info"`   // trace|debug|info|warn|error
	Format         string      `env:"FORMAT"        envDefault:"json"`   // json|text
	Output         string      `env:"OUTPUT"        envDefault:"stdout"` // comma separated: stdout, stderr, file, file:<path>
	FilePath       string      `env:"FILE_PATH"`                         // target of a bare "file" output
	FileMode       os.FileMode `env:"FILE_MODE"     envDefault:"420"`    // 0644
	ExtraFieldsRaw string      `env:"FIELDS"`                            // k1=v1,k2=v2
	OTELExporter   string      `env:"OTEL_EXPORTER" envDefault:"none"`   // none|otlp-http|otlp-grpc
	OTELEndpoint   string      `env:"OTEL_ENDPOINT"`

	mu    sync.Mutex
	files map[string]*os.File
}

// Writer returns the first configured writer.
func (c *Config) Writer() io.Writer {
	return c.Writers()[0]
}

// Writers resolves LOG_OUTPUT into writers, in order and without duplicates.
// It never returns an empty slice; stdout is the fallback.
func (c *Config) Writers() []io.Writer {
	var (
		out  []io.Writer
		seen = map[string]bool{}
	)
	for _, entry := range strings.Split(c.Logger.Output, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, w := c.Logger.resolve(entry)
		if w == nil || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, w)
	}
	if len(out) == 0 {
		return []io.Writer{os.Stdout}
	}
	return out
}

func (lc *LoggerConfig) resolve(entry string) (string, io.Writer) {
	if path, ok := strings.CutPrefix(entry, "file:"); ok {
		return "file:" + path, lc.file(path)
	}
	switch strings.ToLower(entry) {
	case "stdout":
		return "stdout", os.Stdout
	case "stderr":
		return "stderr", os.Stderr
	case "file":
		if lc.FilePath == "" {
			slog.Warn("log output 'file' needs LOG_FILE_PATH; skipping")
			return "", nil
		}
		return "file:" + lc.FilePath, lc.file(lc.FilePath)
	}
	slog.Warn("unknown log output entry", "entry", entry)
	return "", nil
}

// file opens path for appending once and reuses the handle afterwards.
func (lc *LoggerConfig) file(path string) io.Writer {
	if path == "" {
		return nil
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if f, ok := lc.files[path]; ok {
		return f
	}
	mode := lc.FileMode
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, mode)
	if err != nil {
		slog.Warn("cannot open log file", "path", path, "error", err)
		return nil
	}
	if lc.files == nil {
		lc.files = make(map[string]*os.File)
	}
	lc.files[path] = f
	return f
}

// ParseExtraFields parses LOG_FIELDS. Malformed pairs and empty keys are
// dropped.
func (lc *LoggerConfig) ParseExtraFields() map[string]string {
	fields := make(map[string]string)
	if lc == nil {
		return fields
	}
	for _, pair := range strings.Split(lc.ExtraFieldsRaw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		fields[k] = strings.TrimSpace(v)
	}
	return fields
}

// ParseLevel normalizes Level, falling back to info.
func (lc *LoggerConfig) ParseLevel() string {
	if lc == nil {
		return "info"
	}
	lvl := strings.ToLower(strings.TrimSpace(lc.Level))
	if _, ok := logLevels[lvl]; !ok {
		return "info"
	}
	return lvl
}

func (c *Config) LogLevel() slog.Level           { return logLevels[c.Logger.ParseLevel()] }
func (c *Config) LogFormat() string              { return c.Logger.Format }
func (c *Config) OTELExporter() string           { return c.Logger.OTELExporter }
func (c *Config) OTELEndpoint() string           { return c.Logger.OTELEndpoint }
func (c *Config) ExtraFields() map[string]string { return c.Logger.ParseExtraFields() }
func (c *Config) DebugMode() bool                { return c.Mode == ModeDebug }
