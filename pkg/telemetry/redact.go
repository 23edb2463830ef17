package telemetry

import (
	"io"
	"strings"
)

// RedactedMask replaces sensitive values in redacted output.
const RedactedMask = "*****"

// RedactingWriter masks known sensitive values before writing to the
// underlying writer. Values shorter than three characters are ignored so that
// short tokens such as "1" do not garble every line.
type RedactingWriter struct {
	out      io.Writer
	replacer *strings.Replacer
}

// NewRedactingWriter wraps out. Longer values should come first so that a
// value containing another is masked whole.
func NewRedactingWriter(out io.Writer, values []string) *RedactingWriter {
	var pairs []string
	for _, v := range values {
		if len(v) < 3 {
			continue
		}
		pairs = append(pairs, v, RedactedMask)
	}
	return &RedactingWriter{out: out, replacer: strings.NewReplacer(pairs...)}
}

// Write masks p and writes it. The returned count is len(p) on success so
// callers never see a short write caused by masking.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.out, w.replacer.Replace(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Redact masks the values in s.
func (w *RedactingWriter) Redact(s string) string {
	return w.replacer.Replace(s)
}
