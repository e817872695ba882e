package receiver

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ventosilenzioso/udpft/internal/config"
	"github.com/ventosilenzioso/udpft/internal/segment"
	"github.com/ventosilenzioso/udpft/internal/stats"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(l)
}

func newLoopbackPair(t *testing.T) (client, server net.PacketConn) {
	t.Helper()
	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err = net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	return client, server
}

func TestRunReassemblesSingleSegmentFile(t *testing.T) {
	clientConn, serverConn := newLoopbackPair(t)
	var out bytes.Buffer

	rcv := New(clientConn, serverConn.LocalAddr(), &out, stats.New(), testLogger(), Options{})
	require.NoError(t, rcv.RequestFile("greeting.txt"))

	// Fake server: read the request, reply with one FIN segment.
	reqBuf := make([]byte, 256)
	n, clientAddr, err := serverConn.ReadFrom(reqBuf)
	require.NoError(t, err)
	require.Equal(t, "greeting.txt", string(reqBuf[:n]))

	wire, err := segment.Serialize(segment.NewData(config.InitialSeqNumber, []byte("hello"), true))
	require.NoError(t, err)
	_, err = serverConn.WriteTo(wire, clientAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rcv.Run(ctx))

	require.Equal(t, "hello", out.String())
}

func TestRunReportsFileNotFound(t *testing.T) {
	clientConn, serverConn := newLoopbackPair(t)
	var out bytes.Buffer

	rcv := New(clientConn, serverConn.LocalAddr(), &out, stats.New(), testLogger(), Options{})
	require.NoError(t, rcv.RequestFile("missing.txt"))

	reqBuf := make([]byte, 256)
	_, clientAddr, err := serverConn.ReadFrom(reqBuf)
	require.NoError(t, err)
	_, err = serverConn.WriteTo([]byte("FILE NOT FOUND"), clientAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = rcv.Run(ctx)
	require.ErrorIs(t, err, ErrFileNotFound)
	require.Empty(t, out.String())
}

func TestRunReassemblesOutOfOrderSegments(t *testing.T) {
	clientConn, serverConn := newLoopbackPair(t)
	var out bytes.Buffer

	rcv := New(clientConn, serverConn.LocalAddr(), &out, stats.New(), testLogger(), Options{})
	require.NoError(t, rcv.RequestFile("f"))

	reqBuf := make([]byte, 256)
	_, clientAddr, err := serverConn.ReadFrom(reqBuf)
	require.NoError(t, err)

	first := bytes.Repeat([]byte("h"), config.MaxDataSize)
	seg2, err := segment.Serialize(segment.NewData(config.InitialSeqNumber+config.MaxDataSize, []byte("world"), true))
	require.NoError(t, err)
	_, err = serverConn.WriteTo(seg2, clientAddr)
	require.NoError(t, err)

	seg1, err := segment.Serialize(segment.NewData(config.InitialSeqNumber, first, false))
	require.NoError(t, err)
	_, err = serverConn.WriteTo(seg1, clientAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rcv.Run(ctx))

	require.Equal(t, string(first)+"world", out.String())
}
