// Package logutil provides the shared slog setup for shoprelay.
//
//   - INFO/DEBUG lines go to stdout, WARN/ERROR lines go to stderr
//   - stdout is pretty-printed when it is a terminal, compact JSON otherwise
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

// isTTY is set once at init time.
var isTTY bool

func init() {
	stat, err := os.Stdout.Stat()
	if err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// New builds the process logger: a JSON handler at the given level writing
// through Output.
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(
		Output(os.Stdout, os.Stderr),
		&slog.HandlerOptions{Level: ParseLevel(level)},
	))
}

// ParseLevel maps "debug", "warn" and "error" to their slog levels.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Output returns a writer that routes JSON log lines by their "level" field.
// Pass it to slog.NewJSONHandler.
func Output(stdout, stderr io.Writer) io.Writer {
	if isTTY && stdout == os.Stdout {
		stdout = &prettyJSONWriter{w: stdout}
	}
	return &levelRoutingWriter{stdout: stdout, stderr: stderr}
}

// Truncate shortens s to at most n bytes for debug logging of event payloads.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type levelRoutingWriter struct {
	stdout io.Writer
	stderr io.Writer
}

func (lw *levelRoutingWriter) Write(p []byte) (int, error) {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &entry); err != nil {
		// Not JSON, keep it visible.
		return lw.stderr.Write(p)
	}

	switch entry.Level {
	case "WARN", "ERROR":
		return lw.stderr.Write(p)
	default:
		return lw.stdout.Write(p)
	}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimRight(p, "\n"), "", "  "); err != nil {
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err
}
