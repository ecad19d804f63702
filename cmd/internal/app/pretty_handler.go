package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Palette for the pretty handler. Each colour is forced on; the handler decides whether to paint.
var (
	colDim     = forced(color.FgHiBlack)
	colBold    = forced(color.Bold)
	colDebug   = forced(color.FgMagenta)
	colInfo    = forced(color.FgCyan)
	colWarn    = forced(color.FgYellow)
	colError   = forced(color.FgRed, color.Bold)
	colGreen   = forced(color.FgGreen)
	colBlue    = forced(color.FgBlue)
	colPath    = forced(color.FgCyan)
	colMagenta = forced(color.FgMagenta)
)

func forced(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	c.EnableColor()
	return c
}

// prettyHandler renders records as one "key=value" line for local development.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.paint(colDim, ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(h.paint(colBold, r.Message))

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 && parent == "" {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	prefix := strings.TrimSuffix(fullKey, key)
	b.WriteByte(' ')
	b.WriteString(h.paint(colDim, prefix+remapPrettyKey(key)+"="))
	b.WriteString(h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return h.paint(colMagenta, strings.ToUpper(strings.TrimSpace(v.String())))
	case "path":
		return h.paint(colPath, strings.TrimSpace(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.paint(statusColor(int(n)), strconv.FormatInt(n, 10))
		}
	case "result":
		return h.paint(resultColor(strings.ToLower(v.String())), v.String())
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			s := strconv.FormatInt(n, 10) + "ms"
			if n >= 1000 {
				return h.paint(colWarn, s)
			}
			return h.paint(colDim, s)
		}
	case "conversation_id", "conn_id":
		return h.paint(colBlue, v.String())
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) paint(c *color.Color, s string) string {
	if !h.color {
		return s
	}
	return c.Sprint(s)
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint(colError, "ERR")
	case level >= slog.LevelWarn:
		return h.paint(colWarn, "WRN")
	case level < slog.LevelInfo:
		return h.paint(colDebug, "DBG")
	default:
		return h.paint(colInfo, "INF")
	}
}

func statusColor(code int) *color.Color {
	switch {
	case code >= 500:
		return colError
	case code >= 400:
		return colWarn
	case code >= 300:
		return colBlue
	default:
		return colGreen
	}
}

func resultColor(result string) *color.Color {
	switch result {
	case "success":
		return colGreen
	case "client_error":
		return colWarn
	case "server_error":
		return colError
	default:
		return colBlue
	}
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
