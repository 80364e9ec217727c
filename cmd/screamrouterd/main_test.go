package main

import (
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestSinkSenderSendUDPWritesToSocket(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := newSinkSender(listener.LocalAddr().String(), "", discardLogger())
	require.NoError(t, err)

	require.NoError(t, sender.SendUDP([]byte("frame")))

	buf := make([]byte, 16)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(buf[:n]))
}

func TestSinkSenderSendTCPReturnsFalseWithoutConn(t *testing.T) {
	sender, err := newSinkSender("", "", discardLogger())
	require.NoError(t, err)

	sent, err := sender.SendTCP([]byte("frame"))
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestSinkSenderSendTCPClearsConnOnWriteError(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	sender, err := newSinkSender("", "", discardLogger())
	require.NoError(t, err)
	sender.SetTCPConn(client)

	sent, err := sender.SendTCP([]byte("frame"))
	assert.Error(t, err)
	assert.False(t, sent)

	sent, err = sender.SendTCP([]byte("frame"))
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
