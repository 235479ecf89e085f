package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startStreamServer listens on network/addr and runs the server Connection
// in its own goroutine until the returned stop func is called.
func startStreamServer(t *testing.T, network, addr string) (*Connection, *StreamHandler, func()) {
	t.Helper()

	h := NewStreamHandler(StreamHandlerOpts{Network: network, Addr: addr, Logger: discardLogger()})
	server := NewConnection(discardLogger())
	server.SetServer(true)
	server.SetHandler(h)
	server.sleep = func(time.Duration) { time.Sleep(time.Millisecond) }
	server.FunctionAdd("echo", HandlerFunc(func(args []json.RawMessage) (any, error) {
		return ArgString(args, 0)
	}))

	ok, err := server.Connect()
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = server.Loop(done)
	}()

	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		<-finished
	}
	t.Cleanup(func() {
		stop()
		_ = h.Close()
	})
	return server, h, stop
}

func dialStream(t *testing.T, network, addr string) (*Connection, *StreamHandler) {
	t.Helper()

	h := NewStreamHandler(StreamHandlerOpts{Network: network, Addr: addr, Logger: discardLogger()})
	client := NewConnection(discardLogger())
	client.SetHandler(h)
	client.sleep = func(time.Duration) { time.Sleep(time.Millisecond) }

	ok, err := client.Connect()
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = h.Close() })
	return client, h
}

func TestStreamHandler_TCPExecSync(t *testing.T) {
	_, sh, stop := startStreamServer(t, "tcp", "127.0.0.1:0")
	client, ch := dialStream(t, "tcp", sh.Addr())

	v, err := client.ExecSync("echo", []any{"hello"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 1, ch.ClientsNum())

	stop()
	assert.Equal(t, 1, sh.ClientsNum())
}

func TestStreamHandler_UnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "node.sock")

	_, sh, _ := startStreamServer(t, "unix", path)
	assert.Equal(t, path, sh.Addr())

	client, _ := dialStream(t, "unix", path)
	v, err := client.ExecSync("echo", []any{"over unix"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "over unix", v)
}

func TestStreamHandler_ServerCallsClients(t *testing.T) {
	server, sh, stop := startStreamServer(t, "tcp", "127.0.0.1:0")

	clientA, _ := dialStream(t, "tcp", sh.Addr())
	clientB, _ := dialStream(t, "tcp", sh.Addr())

	var gotA, gotB []string
	record := func(got *[]string) Function {
		return HandlerFunc(func(args []json.RawMessage) (any, error) {
			s, err := ArgString(args, 0)
			*got = append(*got, s)
			return nil, err
		})
	}
	clientA.FunctionAdd("msgAdd", record(&gotA))
	clientB.FunctionAdd("msgAdd", record(&gotB))

	// Wait until the server has accepted both clients.
	require.Eventually(t, func() bool {
		_, err := clientA.ExecSync("echo", []any{"a"}, time.Second)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_, err := clientB.ExecSync("echo", []any{"b"}, time.Second)
	require.NoError(t, err)

	stop()
	require.Equal(t, 2, sh.ClientsNum())

	_, err = server.ExecAsync("msgAdd", []any{"to everyone"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = clientA.Run()
		_ = clientB.Run()
		return len(gotA) == 1 && len(gotB) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"to everyone"}, gotA)
	assert.Equal(t, []string{"to everyone"}, gotB)
}

func TestStreamHandler_ClientNotConnected(t *testing.T) {
	h := NewStreamHandler(StreamHandlerOpts{Addr: "127.0.0.1:1", Logger: discardLogger()})
	assert.ErrorIs(t, h.Send(0, []byte("ID\n")), ErrNotConnected)

	ok, err := h.Connect()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, h.ClientsNum())
}

func TestStreamHandler_ClientGoneIsDropped(t *testing.T) {
	_, sh, stop := startStreamServer(t, "tcp", "127.0.0.1:0")
	client, ch := dialStream(t, "tcp", sh.Addr())

	_, err := client.ExecSync("echo", []any{"x"}, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	stop()

	require.Eventually(t, func() bool {
		_ = sh.Run()
		return sh.ClientsNum() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
