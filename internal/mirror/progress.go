package mirror

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

const progressInterval = 100 * time.Millisecond

// throttledReader paces reads to a kbps ceiling and reports progress at most
// every progressInterval. It is handed to the multipart uploader so the
// throttle applies at the file-read layer.
type throttledReader struct {
	ctx      context.Context
	src      io.Reader
	total    int64
	read     int64
	limiter  *rate.Limiter
	onChunk  func(read, total int64)
	lastPing time.Time
}

func newThrottledReader(ctx context.Context, src io.Reader, total int64, maxKbps int, onChunk func(read, total int64)) *throttledReader {
	var limiter *rate.Limiter
	if maxKbps > 0 {
		bytesPerSec := rate.Limit(maxKbps * 1024)
		limiter = rate.NewLimiter(bytesPerSec, 64*1024)
	}
	return &throttledReader{ctx: ctx, src: src, total: total, limiter: limiter, onChunk: onChunk}
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > 64*1024 {
		p = p[:64*1024]
	}
	n, err := r.src.Read(p)
	if n > 0 {
		r.read += int64(n)
		if r.limiter != nil {
			if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
				return n, werr
			}
		}
		now := time.Now()
		if r.onChunk != nil && (now.Sub(r.lastPing) >= progressInterval || r.read >= r.total) {
			r.onChunk(r.read, r.total)
			r.lastPing = now
		}
	}
	return n, err
}
