package upload

import (
	"io"
	"sync"
)

// countingReader reports the number of bytes read so far after every read.
type countingReader struct {
	r      io.Reader
	read   int64
	onRead func(read int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		c.onRead(c.read)
	}
	return n, err
}

// tracker reports the progress of the upload to one server.
// Once done, late reads of the transport are not reported anymore.
type tracker struct {
	server string
	total  int64
	report func(Progress)

	mu       sync.Mutex
	last     int64
	finished bool
}

func (t *tracker) sent(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return
	}
	t.last = n
	t.report(Progress{Server: t.server, Sent: n, Total: t.total})
}

func (t *tracker) done(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.finished = true
	sent := t.last
	if err == nil {
		sent = t.total
	}
	t.report(Progress{Server: t.server, Sent: sent, Total: t.total, Done: true, Err: err})
}
