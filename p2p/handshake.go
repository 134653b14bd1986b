package p2p

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	handshakeAccept byte = 0x1
	handshakeReject byte = 0x0

	defaultHandshakeTimeout = 10 * time.Second
)

// HandshakeFunc runs on a freshly opened stream before any frame is
// exchanged. outbound is true on the dialing side.
type HandshakeFunc func(rw io.ReadWriter, service uuid.UUID, outbound bool) error

// NOPHandshakeFunc accepts every stream.
func NOPHandshakeFunc(io.ReadWriter, uuid.UUID, bool) error { return nil }

// ServiceHandshake checks both ends speak the same service. The dialer
// sends the 16 raw bytes of the service id, the listener answers with a
// single accept or reject byte.
func ServiceHandshake(rw io.ReadWriter, service uuid.UUID, outbound bool) error {
	if outbound {
		if _, err := rw.Write(service[:]); err != nil {
			return fmt.Errorf("send service id: %w", err)
		}
		var ack [1]byte
		if _, err := io.ReadFull(rw, ack[:]); err != nil {
			return fmt.Errorf("read service ack: %w", err)
		}
		if ack[0] != handshakeAccept {
			return fmt.Errorf("%w: %s", ErrServiceNotFound, service)
		}
		return nil
	}

	var got uuid.UUID
	if _, err := io.ReadFull(rw, got[:]); err != nil {
		return fmt.Errorf("read service id: %w", err)
	}
	if got != service {
		rw.Write([]byte{handshakeReject})
		return fmt.Errorf("%w: peer asked for %s", ErrServiceNotFound, got)
	}
	if _, err := rw.Write([]byte{handshakeAccept}); err != nil {
		return fmt.Errorf("send service ack: %w", err)
	}
	return nil
}

// runHandshake bounds the handshake with a deadline when the stream
// supports one, and clears it afterwards.
func runHandshake(fn HandshakeFunc, s Stream, service uuid.UUID, outbound bool, timeout time.Duration) error {
	if fn == nil {
		fn = ServiceHandshake
	}
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	if d, ok := s.(Deadliner); ok {
		d.SetReadDeadline(time.Now().Add(timeout))
		d.SetWriteDeadline(time.Now().Add(timeout))
		defer func() {
			d.SetReadDeadline(time.Time{})
			d.SetWriteDeadline(time.Time{})
		}()
	}
	return fn(s, service, outbound)
}

func parseService(serviceID string) (uuid.UUID, error) {
	id, err := uuid.Parse(serviceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid service id %q: %w", serviceID, err)
	}
	return id, nil
}
