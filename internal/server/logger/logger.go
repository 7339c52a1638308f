// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	color "github.com/fatih/color"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	ExporterNone     = "none"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

type Logger struct {
	Slogger *slog.Logger
	*sdklog.LoggerProvider
}

// Options is satisfied by *config.Config.
type Options interface {
	ServiceName() string
	GetVersion() string
	DebugMode() bool
	Writers() []io.Writer
	LogLevel() slog.Level
	LogFormat() string
	OTELExporter() string
	OTELEndpoint() string
	ExtraFields() map[string]string
}

func NewLogger(ctx context.Context, opts Options) (*Logger, error) {
	writers := opts.Writers()
	if len(writers) == 0 {
		return nil, fmt.Errorf("no log writer")
	}
	level := opts.LogLevel()
	handlers := make([]slog.Handler, 0, len(writers)+1)

	if opts.DebugMode() {
		for _, w := range writers {
			handlers = append(handlers, NewDebugHandler(w, level))
		}
	} else {
		for _, w := range writers {
			hopts := &slog.HandlerOptions{Level: level}
			if opts.LogFormat() == "text" {
				handlers = append(handlers, slog.NewTextHandler(w, hopts))
			} else {
				handlers = append(handlers, slog.NewJSONHandler(w, hopts))
			}
		}
	}

	provider, err := newProvider(ctx, opts)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		handlers = append(handlers, otelslog.NewHandler(opts.ServiceName(), otelslog.WithLoggerProvider(provider)))
	}

	logger := slog.New(&MultiHandler{handlers: handlers})
	for k, v := range opts.ExtraFields() {
		logger = logger.With(k, v)
	}
	return &Logger{Slogger: logger, LoggerProvider: provider}, nil
}

// newProvider returns nil when no exporter is configured.
func newProvider(ctx context.Context, opts Options) (*sdklog.LoggerProvider, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	endpoint := opts.OTELEndpoint()
	switch opts.OTELExporter() {
	case "", ExporterNone:
		return nil, nil
	case ExporterOTLPHTTP:
		var eopts []otlploghttp.Option
		if endpoint != "" {
			eopts = append(eopts, otlploghttp.WithEndpoint(endpoint), otlploghttp.WithInsecure())
		}
		exporter, err = otlploghttp.New(ctx, eopts...)
	case ExporterOTLPGRPC:
		var eopts []otlploggrpc.Option
		if endpoint != "" {
			eopts = append(eopts, otlploggrpc.WithEndpoint(endpoint), otlploggrpc.WithInsecure())
		}
		exporter, err = otlploggrpc.New(ctx, eopts...)
	default:
		return nil, fmt.Errorf("unknown log exporter %q", opts.OTELExporter())
	}
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName()),
			semconv.ServiceVersion(opts.GetVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("log resource: %w", err)
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	), nil
}

type (
	DebugHandler struct {
		out   io.Writer
		level slog.Leveler
		attrs []slog.Attr
		group string
		mut   *sync.Mutex
	}

	MultiHandler struct {
		handlers []slog.Handler
	}
)

var (
	_ slog.Handler = (*DebugHandler)(nil)
	_ slog.Handler = (*MultiHandler)(nil)
)

func NewDebugHandler(out io.Writer, level slog.Leveler) *DebugHandler {
	return &DebugHandler{out: out, level: level, mut: &sync.Mutex{}}
}

// Handle implements slog.Handler
func (h *DebugHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	logEntry := fmt.Sprintf("%s %s %s%s\n",
		color.New(color.FgHiBlack).Sprint(r.Time.Format("15:04:05")),
		levelColor(r.Level),
		r.Message,
		formatAttributes(attrs),
	)

	h.mut.Lock()
	defer h.mut.Unlock()
	_, err := io.WriteString(h.out, logEntry)
	return err
}

// WithAttrs implements slog.Handler
func (h *DebugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

// WithGroup implements slog.Handler
func (h *DebugHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

// Enabled implements slog.Handler
func (h *DebugHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Enabled implements slog.Handler
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler. A failing handler does not stop the others.
func (m *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var first error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WithAttrs implements slog.Handler
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: newHandlers}
}

// WithGroup implements slog.Handler
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: newHandlers}
}

func levelColor(level slog.Level) string {
	var bg, fg color.Attribute
	switch {
	case level < slog.LevelDebug:
		bg, fg = color.BgCyan, color.FgBlack
	case level < slog.LevelInfo:
		bg, fg = color.BgMagenta, color.FgWhite
	case level < slog.LevelWarn:
		bg, fg = color.BgBlue, color.FgWhite
	case level < slog.LevelError:
		bg, fg = color.BgYellow, color.FgBlack
	default:
		bg, fg = color.BgRed, color.FgWhite
	}

	return color.New(bg, fg, color.Bold).Sprint(" " + strings.ToUpper(level.String()) + " ")
}

func formatAttributes(attrs []slog.Attr) string {
	if len(attrs) == 0 {
		return ""
	}

	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Key, formatAttrValue(attr.Value)))
	}

	return " " + strings.Join(parts, " ")
}

func formatAttrValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	case slog.KindFloat64:
		return fmt.Sprintf("%g", v.Float64())
	case slog.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		return "{" + strings.TrimSpace(formatAttributes(v.Group())) + "}"
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
		return fmt.Sprintf("%v", v.Any())
	default:
		return v.String()
	}
}
