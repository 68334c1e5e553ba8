package workerproc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/toolbridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tbw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "w.sock")
}

func startServer(t *testing.T, mux *Mux) (string, *syncBuffer) {
	t.Helper()
	path := socketPath(t)
	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, Config{WorkerID: "w1", SocketPath: path, Stdout: out}, mux)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	require.Eventually(t, func() bool { return out.String() != "" }, 5*time.Second, 10*time.Millisecond)
	return path, out
}

func call(t *testing.T, conn net.Conn, dec *protocol.Decoder, req *protocol.Request) *protocol.Response {
	t.Helper()
	req.Protocol = protocol.Version
	require.NoError(t, protocol.EncodeRequest(conn, req))
	resp, err := dec.Response()
	require.NoError(t, err)
	return resp
}

func TestServeHandshakeAndCalls(t *testing.T) {
	mux := NewMux()
	mux.Handle("echo", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	mux.Handle("fail.soft", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("try later")
	})
	mux.Handle("fail.hard", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, NoRetry(errors.New("bad input"))
	})
	mux.Handle("panic", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})

	path, out := startServer(t, mux)

	var h protocol.Handshake
	require.NoError(t, json.Unmarshal([]byte(out.String()), &h))
	assert.True(t, h.Ready)
	assert.Equal(t, "w1", h.WorkerID)
	assert.Equal(t, []string{"echo", "fail.hard", "fail.soft", "panic"}, h.Capabilities)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	dec := protocol.NewDecoder(conn)

	resp := call(t, conn, dec, &protocol.Request{ID: "1", Type: protocol.TypeCall, Capability: "echo", Payload: json.RawMessage(`{"a":1}`)})
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, "1", resp.ID)
	assert.JSONEq(t, `{"a":1}`, string(resp.Payload))

	resp = call(t, conn, dec, &protocol.Request{ID: "2", Type: protocol.TypePing})
	assert.Equal(t, protocol.StatusOK, resp.Status)

	resp = call(t, conn, dec, &protocol.Request{ID: "3", Type: protocol.TypeCall, Capability: "fail.soft"})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.True(t, resp.ShouldRetry())

	resp = call(t, conn, dec, &protocol.Request{ID: "4", Type: protocol.TypeCall, Capability: "fail.hard"})
	assert.Equal(t, "bad input", resp.Error)
	assert.False(t, resp.ShouldRetry())

	resp = call(t, conn, dec, &protocol.Request{ID: "5", Type: protocol.TypeCall, Capability: "missing"})
	assert.Contains(t, resp.Error, "unknown capability")
	assert.False(t, resp.ShouldRetry())

	resp = call(t, conn, dec, &protocol.Request{ID: "6", Type: protocol.TypeCall, Capability: "panic"})
	assert.Contains(t, resp.Error, "kaboom")
}

func TestServeAppliesDeadline(t *testing.T) {
	mux := NewMux()
	mux.Handle("slow", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`"late"`), nil
		}
	})
	path, _ := startServer(t, mux)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	resp := call(t, conn, protocol.NewDecoder(conn), &protocol.Request{
		ID: "d", Type: protocol.TypeCall, Capability: "slow", DeadlineAt: time.Now().Add(50 * time.Millisecond),
	})
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServeConcurrentConnections(t *testing.T) {
	mux := NewMux()
	mux.Handle("echo", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	path, _ := startServer(t, mux)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("unix", path)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			dec := protocol.NewDecoder(conn)
			for j := 0; j < 20; j++ {
				err := protocol.EncodeRequest(conn, &protocol.Request{
					Protocol: protocol.Version, ID: "x", Type: protocol.TypeCall, Capability: "echo", Payload: json.RawMessage(`1`),
				})
				if !assert.NoError(t, err) {
					return
				}
				resp, err := dec.Response()
				if assert.NoError(t, err) {
					assert.Equal(t, protocol.StatusOK, resp.Status)
				}
			}
		}()
	}
	wg.Wait()
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(protocol.EnvSocket, "")
	_, err := ConfigFromEnv()
	require.Error(t, err)

	t.Setenv(protocol.EnvSocket, "/tmp/x.sock")
	t.Setenv(protocol.EnvWorkerID, "w")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "w", cfg.WorkerID)
	assert.Equal(t, "/tmp/x.sock", cfg.SocketPath)
}
