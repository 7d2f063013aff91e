package installer

import "bytes"

// MaxOutputSize is the maximum size of stdout/stderr to capture per stream.
const MaxOutputSize = 1024 * 1024

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func newLimitedWriter(limit int) *limitedWriter {
	return &limitedWriter{buf: &bytes.Buffer{}, limit: limit}
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}

	total := len(p)
	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return total, err // Report the full length so exec does not see a short write
}

func (w *limitedWriter) String() string {
	return w.buf.String()
}

func (w *limitedWriter) Truncated() bool {
	return w.written >= w.limit
}
