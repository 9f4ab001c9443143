package workerpool

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := Request{ID: "abc", Action: "echo", Params: map[string]interface{}{"x": "y"}}
	line, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])

	resp, err := DecodeResponse([]byte(`{"id":"abc","result":{"ok":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.ID)
	assert.Equal(t, true, resp.Result["ok"])
}

func TestEncodeRejectsOversizedRequest(t *testing.T) {
	req := Request{
		ID:     "big",
		Action: "echo",
		Params: map[string]interface{}{"blob": strings.Repeat("a", MaxRequestBytes)},
	}
	_, err := EncodeRequest(req)
	assert.Error(t, err)
}

func TestDecodeEmptyAndMalformed(t *testing.T) {
	_, err := DecodeResponse(nil)
	assert.Error(t, err)

	_, err = DecodeResponse([]byte("not json"))
	assert.Error(t, err)
}

func TestBackoffCurve(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 8*time.Second, backoffFor(3))
	assert.Equal(t, 16*time.Second, backoffFor(4))
	assert.Equal(t, maxBackoff, backoffFor(5))
	assert.Equal(t, maxBackoff, backoffFor(20))
}

func TestTrimNewline(t *testing.T) {
	assert.Equal(t, []byte("x"), trimNewline([]byte("x\r\n")))
	assert.Equal(t, []byte("x"), trimNewline([]byte("x\n")))
	assert.Equal(t, []byte("x"), trimNewline([]byte("x")))
}

// fakeSpawn wires a worker to an in-process loop that answers each
// request through handler. A nil response from handler stays silent,
// which looks like a hung worker to the pool.
func fakeSpawn(handler func(Request) *Response) func(w *worker) error {
	return func(w *worker) error {
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()

		w.stdin = reqW
		w.stdout = bufio.NewReader(respR)
		w.cmd = nil
		w.alive = true

		go func() {
			defer respW.Close()
			scanner := bufio.NewScanner(reqR)
			scanner.Buffer(make([]byte, 0, 64*1024), MaxRequestBytes+1024)
			for scanner.Scan() {
				var req Request
				if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
					continue
				}
				resp := handler(req)
				if resp == nil {
					continue
				}
				data, _ := json.Marshal(resp)
				respW.Write(append(data, '\n'))
			}
		}()
		return nil
	}
}

func newFakePool(t *testing.T, size int, handler func(Request) *Response) *Pool {
	t.Helper()
	// The bogus command fails to start, leaving every slot dead; the
	// fake spawn then revives them on first use.
	p, err := NewPool(Options{
		Size:           size,
		Command:        []string{"/nonexistent/gateway-worker-test"},
		DefaultTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	p.spawn = fakeSpawn(handler)
	t.Cleanup(p.Shutdown)
	return p
}

func TestExecuteSuccess(t *testing.T) {
	p := newFakePool(t, 1, func(req Request) *Response {
		return &Response{ID: req.ID, Result: map[string]interface{}{"echo": req.Params["msg"]}}
	})

	result, err := p.Execute("echo", map[string]interface{}{"msg": "hello"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", result["echo"])

	// Worker stays healthy and reusable.
	result, err = p.Execute("echo", map[string]interface{}{"msg": "again"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "again", result["echo"])

	health := p.Health()
	assert.Equal(t, 1, health["alive"])
}

func TestWorkerErrorDoesNotRestart(t *testing.T) {
	p := newFakePool(t, 1, func(req Request) *Response {
		return &Response{ID: req.ID, Error: "boom"}
	})

	_, err := p.Execute("noop", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// A clean error reply leaves the worker synchronized and alive.
	assert.Equal(t, 1, p.Health()["alive"])
}

func TestIDMismatchRestartsWorker(t *testing.T) {
	unhealthy := make(chan string, 1)
	p, err := NewPool(Options{
		Size:           1,
		Command:        []string{"/nonexistent/gateway-worker-test"},
		DefaultTimeout: 2 * time.Second,
		OnUnhealthy:    func(_ int, reason string) { unhealthy <- reason },
	})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	p.spawn = fakeSpawn(func(req Request) *Response {
		return &Response{ID: "some-other-id", Result: map[string]interface{}{}}
	})

	_, err = p.Execute("noop", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "desynchronized")

	select {
	case reason := <-unhealthy:
		assert.Contains(t, reason, "id mismatch")
	case <-time.After(time.Second):
		t.Fatal("OnUnhealthy never fired")
	}
	assert.Equal(t, 0, p.Health()["alive"])
}

func TestExecuteTimeout(t *testing.T) {
	p := newFakePool(t, 1, func(req Request) *Response {
		return nil // never answer
	})

	_, err := p.Execute("noop", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrWorkerTimeout)
}

func TestAllWorkersBusy(t *testing.T) {
	p := newFakePool(t, 1, func(req Request) *Response {
		return &Response{ID: req.ID, Result: map[string]interface{}{}}
	})

	// Drain the checkout channel so Execute finds nobody free.
	w := <-p.checkout
	defer func() { p.checkout <- w }()

	_, err := p.Execute("noop", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrAllWorkersBusy)
}

func TestExecuteAfterShutdown(t *testing.T) {
	p := newFakePool(t, 1, func(req Request) *Response {
		return &Response{ID: req.ID}
	})
	p.Shutdown()

	_, err := p.Execute("noop", nil, time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestInlineRespawnWaitsForBackoff(t *testing.T) {
	var calls atomic.Int32
	p := newFakePool(t, 1, func(req Request) *Response {
		if calls.Add(1) == 1 {
			return nil // hang the first call, forcing a restart with backoff
		}
		return &Response{ID: req.ID, Result: map[string]interface{}{"ok": true}}
	})

	_, err := p.Execute("noop", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWorkerTimeout)

	// Still inside the backoff window: the dead slot must not revive yet.
	_, err = p.Execute("noop", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
	assert.Equal(t, 0, p.Health()["alive"])

	// Window over: the next call revives the worker inline.
	w := p.workers[0]
	w.mu.Lock()
	w.nextRespawn = time.Now().Add(-time.Millisecond)
	w.mu.Unlock()

	result, err := p.Execute("noop", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

func TestFailCountAccumulates(t *testing.T) {
	p := newFakePool(t, 1, func(req Request) *Response {
		return nil
	})

	_, err := p.Execute("noop", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWorkerTimeout)

	w := p.workers[0]
	w.mu.Lock()
	fails := w.failCount
	w.mu.Unlock()
	// Startup failures do not count; only the timeout restart does.
	assert.Equal(t, 1, fails)
}
