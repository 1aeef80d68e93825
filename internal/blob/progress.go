package blob

import (
	"io"
	"time"
)

const progressInterval = 250 * time.Millisecond

// progressReader counts bytes passing through and reports them, at most once per
// progressInterval plus once at EOF.
type progressReader struct {
	reader   io.Reader
	done     int64
	total    int64
	callback ProgressFunc
	last     time.Time
	now      func() time.Time
}

func newProgressReader(r io.Reader, total int64, cb ProgressFunc) io.Reader {
	if cb == nil {
		return r
	}
	return &progressReader{reader: r, total: total, callback: cb, now: time.Now}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.done += int64(n)
	}

	now := pr.now()
	if err == io.EOF || now.Sub(pr.last) >= progressInterval {
		pr.callback(pr.done, pr.total)
		pr.last = now
	}
	return n, err
}

type progressReadCloser struct {
	io.Reader
	closer io.Closer
}

func (p *progressReadCloser) Close() error { return p.closer.Close() }

func withProgress(body io.ReadCloser, total int64, cb ProgressFunc) io.ReadCloser {
	if cb == nil {
		return body
	}
	return &progressReadCloser{Reader: newProgressReader(body, total, cb), closer: body}
}
