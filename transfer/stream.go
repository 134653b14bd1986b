package transfer

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/20af02/PairCopy/p2p"
)

// errStopped is returned by the poll wrappers once the connection's
// lifecycle context is cancelled.
var errStopped = errors.New("connection stopped")

// pollReader blocks like a plain Read, but on streams with deadlines it
// wakes every interval to check whether the connection was asked to stop.
type pollReader struct {
	ctx      context.Context
	s        p2p.Stream
	interval time.Duration
}

func (r *pollReader) Read(p []byte) (int, error) {
	d, canPoll := r.s.(p2p.Deadliner)
	for {
		if r.ctx.Err() != nil {
			return 0, errStopped
		}
		if canPoll {
			d.SetReadDeadline(time.Now().Add(r.interval))
		}
		n, err := r.s.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && canPoll && isTimeout(err) {
			continue
		}
		return n, err
	}
}

// pollWriter writes the whole buffer, resuming after deadline wake-ups.
type pollWriter struct {
	ctx      context.Context
	s        p2p.Stream
	interval time.Duration
}

func (w *pollWriter) Write(p []byte) (int, error) {
	d, canPoll := w.s.(p2p.Deadliner)
	written := 0
	for written < len(p) {
		if w.ctx.Err() != nil {
			return written, errStopped
		}
		if canPoll {
			d.SetWriteDeadline(time.Now().Add(w.interval))
		}
		n, err := w.s.Write(p[written:])
		written += n
		if err != nil {
			if canPoll && isTimeout(err) {
				continue
			}
			return written, err
		}
	}
	return written, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
