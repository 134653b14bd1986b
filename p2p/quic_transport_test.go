package p2p

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQUICTransportDialAndAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := NewQUICTransport(QUICTransportOpts{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer server.Close()
	l, err := server.Listen(ctx, testService.String())
	require.NoError(t, err)

	client, err := NewQUICTransport(QUICTransportOpts{
		ServiceID: testService,
		Peers:     []PeerDescriptor{{ID: "srv", Name: "server", Addr: l.Addr()}},
	})
	require.NoError(t, err)

	cs, err := client.Dial(ctx, "srv")
	require.NoError(t, err)
	defer cs.Close()

	ss, _, err := l.Accept(ctx)
	require.NoError(t, err)
	defer ss.Close()

	_, err = cs.Write([]byte("quic"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(ss, buf)
	require.NoError(t, err)
	assert.Equal(t, "quic", string(buf))
}

func TestQUICTransportServiceMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := NewQUICTransport(QUICTransportOpts{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer server.Close()
	l, err := server.Listen(ctx, testService.String())
	require.NoError(t, err)

	client, err := NewQUICTransport(QUICTransportOpts{
		ServiceID: uuid.New(),
		Peers:     []PeerDescriptor{{ID: "srv", Addr: l.Addr()}},
	})
	require.NoError(t, err)

	_, err = client.Dial(ctx, "srv")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}
