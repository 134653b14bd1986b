package transfer

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// sendLoop drains the outgoing queue onto the stream. It polls the queue
// every sendInterval instead of waiting for a wake-up.
func (c *Connection) sendLoop() {
	defer close(c.sendDone)
	log := c.logger.With(zap.String("peer", c.peer.ID), zap.String("loop", "send"))
	log.Info("send loop started")
	defer log.Info("send loop stopped")

	w := &pollWriter{ctx: c.ctx, s: c.stream, interval: c.pollInterval}
	for c.ctx.Err() == nil {
		if u, ok := c.outgoing.TryDequeue(); ok {
			frame, err := c.codec.Marshal(u)
			if err != nil {
				c.fail(fmt.Errorf("encode %q: %w", u.Name, err))
				return
			}
			n, err := w.Write(frame)
			if err != nil {
				if c.ctx.Err() == nil {
					log.Error("write failed", zap.String("unit", u.Name), zap.Int("written", n), zap.Error(err))
					c.fail(fmt.Errorf("write %q: %w", u.Name, err))
				}
				return
			}
			log.Info("unit sent", zap.String("unit", u.Name), zap.Int("bytes", n))
			if c.onSent != nil {
				c.onSent(u)
			}
		}
		if !sleepCtx(c.ctx, c.sendInterval) {
			return
		}
	}
}

// recvLoop decodes frames off the stream into the incoming queue until the
// peer goes away, a frame is malformed, or the connection is stopped.
func (c *Connection) recvLoop() {
	defer close(c.recvDone)
	log := c.logger.With(zap.String("peer", c.peer.ID), zap.String("loop", "recv"))
	log.Info("receive loop started")
	defer log.Info("receive loop stopped")

	r := &pollReader{ctx: c.ctx, s: c.stream, interval: c.pollInterval}
	for {
		var u Unit
		err := c.codec.Decode(r, &u)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, errStopped) {
				return
			}
			switch {
			case errors.Is(err, io.EOF):
				log.Info("peer closed the stream")
				c.fail(fmt.Errorf("peer closed the stream: %w", err))
			case errors.Is(err, ErrFraming):
				log.Error("framing error", zap.Error(err))
				c.fail(err)
			default:
				log.Error("read failed", zap.Error(err))
				c.fail(fmt.Errorf("read: %w", err))
			}
			return
		}

		log.Info("unit received", zap.String("unit", u.Name), zap.Int("bytes", len(u.Payload)))
		c.incoming.Enqueue(u)
		if c.onRecv != nil {
			c.onRecv(u)
		}
	}
}
