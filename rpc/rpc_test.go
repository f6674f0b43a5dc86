package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/mimosync/internal/sdr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoHandler struct {
	closed *atomic.Int32
}

func (h echoHandler) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "echo":
		var v FloatResult
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", sdr.ErrMalformedPayload, err)
		}
		return v, nil
	case "fail":
		return nil, fmt.Errorf("%w: radio head unreachable", sdr.ErrDriver)
	case "panic":
		panic("boom")
	case "slow":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	}
	return nil, fmt.Errorf("%w: unknown method %q", sdr.ErrMalformedPayload, method)
}

func (h echoHandler) Close() error {
	h.closed.Add(1)
	return nil
}

func startServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var closed atomic.Int32
	srv := NewServer(func(ctx context.Context, id, remote string) (Handler, error) {
		return echoHandler{closed: &closed}, nil
	}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv.Addr().String(), &closed
}

func TestCallRoundTrip(t *testing.T) {
	addr, _ := startServer(t)
	c := NewClient(addr)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var pong string
	require.NoError(t, c.Call(ctx, MethodPing, nil, &pong))
	assert.Equal(t, "pong", pong)

	var out FloatResult
	require.NoError(t, c.Call(ctx, "echo", FloatResult{Value: 4.5}, &out))
	assert.Equal(t, 4.5, out.Value)
}

func TestRemoteErrorsKeepTheirKind(t *testing.T) {
	addr, _ := startServer(t)
	c := NewClient(addr)
	defer c.Close()
	ctx := context.Background()

	err := c.Call(ctx, "fail", nil, nil)
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, sdr.KindDriver, re.Kind)
	assert.ErrorIs(t, err, sdr.ErrDriver)
	assert.NotErrorIs(t, err, sdr.ErrTransport)

	err = c.Call(ctx, "nope", nil, nil)
	assert.ErrorIs(t, err, sdr.ErrMalformedPayload)

	err = c.Call(ctx, "panic", nil, nil)
	assert.ErrorIs(t, err, sdr.ErrDriver)

	// the connection survives remote failures
	require.NoError(t, c.Call(ctx, MethodPing, nil, nil))
}

func TestTimeoutAbandonsRequestAndRecovers(t *testing.T) {
	addr, _ := startServer(t)
	c := NewClient(addr)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err := c.Call(ctx, "slow", nil, nil)
	cancel()
	require.Error(t, err)
	assert.ErrorIs(t, err, sdr.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var out FloatResult
	require.NoError(t, c.Call(context.Background(), "echo", FloatResult{Value: 1}, &out))
	assert.Equal(t, 1.0, out.Value)
}

func TestDialFailureIsTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(addr)
	defer c.Close()
	err = c.Call(context.Background(), MethodPing, nil, nil)
	assert.ErrorIs(t, err, sdr.ErrTransport)
}

func TestClosedClientRejectsCalls(t *testing.T) {
	addr, _ := startServer(t)
	c := NewClient(addr)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Call(context.Background(), MethodPing, nil, nil), sdr.ErrTransport)
}

func TestSessionClosedWithConnection(t *testing.T) {
	addr, closed := startServer(t)
	c := NewClient(addr)
	require.NoError(t, c.Call(context.Background(), MethodPing, nil, nil))
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool { return closed.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMalformedEnvelope(t *testing.T) {
	addr, _ := startServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, sdr.KindMalformedPayload, resp.Error.Kind)
}

func TestRefusedSessionReportsError(t *testing.T) {
	srv := NewServer(func(ctx context.Context, id, remote string) (Handler, error) {
		return nil, fmt.Errorf("%w: device busy", sdr.ErrDriver)
	}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	c := NewClient(ln.Addr().String())
	defer c.Close()
	err = c.Call(context.Background(), MethodPing, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdr.ErrTransport)
	assert.ErrorIs(t, err, sdr.ErrDriver)
	assert.Contains(t, err.Error(), "device busy")
	var remote *Error
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, sdr.KindDriver, remote.Kind)
}
