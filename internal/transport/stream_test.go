package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptedStream struct {
	id string
	nc net.Conn
}

func TestStreamHandshake(t *testing.T) {
	accepted := make(chan acceptedStream, 1)
	l, err := ListenStreams("127.0.0.1:0", func(id string, nc net.Conn) {
		accepted <- acceptedStream{id: id, nc: nc}
	}, nil)
	require.NoError(t, err)
	defer l.Close()

	nc, err := DialStream(context.Background(), l.Addr(), "stream-7")
	require.NoError(t, err)
	defer nc.Close()

	// Payload written right behind the hello must survive the handshake
	// reader's buffering.
	_, err = nc.Write([]byte("hello world"))
	require.NoError(t, err)

	var got acceptedStream
	select {
	case got = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream accept")
	}
	defer got.nc.Close()

	assert.Equal(t, "stream-7", got.id)

	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(got.nc, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestStreamHandshakeRejectsMalformedHello(t *testing.T) {
	accepted := make(chan acceptedStream, 1)
	l, err := ListenStreams("127.0.0.1:0", func(id string, nc net.Conn) {
		accepted <- acceptedStream{id: id, nc: nc}
	}, nil)
	require.NoError(t, err)
	defer l.Close()

	nc, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("not a hello\n"))
	require.NoError(t, err)

	// The listener closes the connection instead of accepting the stream.
	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = nc.Read(make([]byte, 1))
	assert.Error(t, err)

	select {
	case got := <-accepted:
		got.nc.Close()
		t.Fatal("malformed hello must not be accepted")
	default:
	}
}
