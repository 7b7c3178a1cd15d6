package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounterpart is the far end of a Client built over two pipes.
type fakeCounterpart struct {
	requests chan Request
	inR      *io.PipeReader
	out      *io.PipeWriter
	writeMu  sync.Mutex
}

func newPipeClient(t *testing.T, opts Options) (*Client, *fakeCounterpart) {
	t.Helper()

	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	fc := &fakeCounterpart{
		requests: make(chan Request, 256),
		inR:      toServerR,
		out:      toClientW,
	}
	go func() {
		scanner := bufio.NewScanner(toServerR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
				fc.requests <- req
			}
		}
	}()

	client := NewClient(toClientR, toServerW, opts)
	t.Cleanup(func() {
		client.Close()
		toClientW.Close()
		toServerR.Close()
	})
	return client, fc
}

func (fc *fakeCounterpart) writeLine(t *testing.T, line string) {
	t.Helper()
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	_, err := io.WriteString(fc.out, line+"\n")
	require.NoError(t, err)
}

func (fc *fakeCounterpart) reply(t *testing.T, id json.RawMessage, result any) {
	t.Helper()
	data, err := json.Marshal(Response{JSONRPC: Version, ID: id, Result: result})
	require.NoError(t, err)
	fc.writeLine(t, string(data))
}

func (fc *fakeCounterpart) next(t *testing.T) Request {
	t.Helper()
	select {
	case req := <-fc.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
		return Request{}
	}
}

func TestRequestSuccess(t *testing.T) {
	client, fc := newPipeClient(t, DefaultOptions())

	go func() {
		req := fc.next(t)
		assert.Equal(t, Version, req.JSONRPC)
		assert.Equal(t, "ping", req.Method)
		assert.JSONEq(t, `{}`, string(req.Params))
		fc.reply(t, req.ID, map[string]string{"status": "ok"})
	}()

	result, err := client.Request(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(result))
}

func TestRequestCorrelationUnderConcurrency(t *testing.T) {
	const callers = 50
	client, fc := newPipeClient(t, DefaultOptions())

	go func() {
		// Collect everything first, then answer in reverse order.
		reqs := make([]Request, 0, callers)
		for len(reqs) < callers {
			reqs = append(reqs, fc.next(t))
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			fc.reply(t, reqs[i].ID, json.RawMessage(reqs[i].Params))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := client.Request(context.Background(), "echo", map[string]int{"n": n})
			if !assert.NoError(t, err) {
				return
			}
			var got struct{ N int }
			require.NoError(t, json.Unmarshal(result, &got))
			assert.Equal(t, n, got.N)
		}(i)
	}
	wg.Wait()
}

func TestRequestIDsStrictlyIncrease(t *testing.T) {
	client, fc := newPipeClient(t, DefaultOptions())

	go func() {
		for i := 0; i < 3; i++ {
			req := fc.next(t)
			fc.reply(t, req.ID, string(req.ID))
		}
	}()

	var last int64
	for i := 0; i < 3; i++ {
		result, err := client.Request(context.Background(), "id", nil)
		require.NoError(t, err)
		var idText string
		require.NoError(t, json.Unmarshal(result, &idText))
		var id int64
		_, err = fmt.Sscan(idText, &id)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestRequestTimeoutIsNoResponse(t *testing.T) {
	client, fc := newPipeClient(t, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := client.Request(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.True(t, errors.Is(err, ErrNoResponse))
	assert.False(t, errors.Is(err, ErrTransport))
	var rpcErr *RPCError
	assert.False(t, errors.As(err, &rpcErr))

	// A late answer for the abandoned id is dropped and the stream keeps working.
	stale := fc.next(t)
	fc.reply(t, stale.ID, "late")

	go func() {
		req := fc.next(t)
		fc.reply(t, req.ID, "fresh")
	}()
	result, err := client.Request(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(result))
}

func TestRequestRPCError(t *testing.T) {
	client, fc := newPipeClient(t, DefaultOptions())

	go func() {
		req := fc.next(t)
		data, _ := json.Marshal(Response{JSONRPC: Version, ID: req.ID, Error: NewRPCError(CodeMethodNotFound, "Method not found")})
		fc.writeLine(t, string(data))
	}()

	_, err := client.Request(context.Background(), "nope", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "Method not found", rpcErr.Message)
	assert.False(t, errors.Is(err, ErrNoResponse))
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestReaderIgnoresNoise(t *testing.T) {
	var (
		mu            sync.Mutex
		notifications []string
	)
	client, fc := newPipeClient(t, Options{
		Timeout: time.Second,
		OnNotification: func(method string, _ json.RawMessage) {
			mu.Lock()
			notifications = append(notifications, method)
			mu.Unlock()
		},
	})

	go func() {
		req := fc.next(t)
		fc.writeLine(t, "[MCP] Monitoring: /var/log/suricata/eve.json")
		fc.writeLine(t, "")
		fc.writeLine(t, `{"id":`)
		fc.writeLine(t, `{"jsonrpc":"2.0","id":99999,"result":"unknown"}`)
		fc.writeLine(t, `{"jsonrpc":"2.0","id":"abc","result":"string id"}`)
		fc.writeLine(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
		fc.reply(t, req.ID, "real")
	}()

	result, err := client.Request(context.Background(), "noisy", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"real"`, string(result))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"notifications/message"}, notifications)
}

func TestRequestAfterCloseIsTransportError(t *testing.T) {
	client, _ := newPipeClient(t, DefaultOptions())
	require.NoError(t, client.Close())

	_, err := client.Request(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, ErrNoResponse))
}

func TestRequestBrokenPipeIsTransportError(t *testing.T) {
	client, fc := newPipeClient(t, DefaultOptions())
	fc.inR.Close()

	_, err := client.Request(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestPendingRequestFailsWhenCounterpartExits(t *testing.T) {
	client, fc := newPipeClient(t, Options{Timeout: 5 * time.Second})

	go func() {
		fc.next(t)
		fc.out.Close()
	}()

	start := time.Now()
	_, err := client.Request(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client not marked done")
	}
}

func TestRequestHonorsContext(t *testing.T) {
	client, _ := newPipeClient(t, Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, "ping", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrNoResponse))
}

func TestNotifyHasNoID(t *testing.T) {
	client, fc := newPipeClient(t, DefaultOptions())

	require.NoError(t, client.Notify(MethodInitialized, nil))
	req := fc.next(t)
	assert.Equal(t, MethodInitialized, req.Method)
	assert.True(t, req.IsNotification())
}

func TestRequestTimesOutWhenCounterpartStopsReading(t *testing.T) {
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	client := NewClient(toClientR, toServerW, Options{Timeout: 100 * time.Millisecond})
	t.Cleanup(func() {
		client.Close()
		toClientW.Close()
		toServerR.Close()
	})

	// Nobody reads toServerR, so every write blocks.
	results := make(chan error, 3)
	start := time.Now()
	for i := 0; i < 3; i++ {
		go func() {
			_, err := client.Request(context.Background(), "ping", nil)
			results <- err
		}()
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNoResponse))
			assert.False(t, errors.Is(err, ErrTransport))
		case <-time.After(2 * time.Second):
			t.Fatal("request still blocked long after its timeout")
		}
	}
	assert.Less(t, time.Since(start), time.Second)

	// Close unblocks the stuck writer and later calls fail fast.
	require.NoError(t, client.Close())
	_, err := client.Request(context.Background(), "ping", nil)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestNotifyTimesOutWhenCounterpartStopsReading(t *testing.T) {
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()
	client := NewClient(toClientR, toServerW, Options{Timeout: 50 * time.Millisecond})
	t.Cleanup(func() {
		client.Close()
		toClientW.Close()
		toServerR.Close()
	})

	// The first notification is taken by the writer, which then blocks.
	done := make(chan error, 2)
	go func() { done <- client.Notify(MethodInitialized, nil) }()
	go func() { done <- client.Notify(MethodInitialized, nil) }()

	var timedOut int
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if errors.Is(err, ErrNoResponse) {
				timedOut++
			}
		case <-time.After(2 * time.Second):
			t.Fatal("notify blocked past its timeout")
		}
	}
	assert.Equal(t, 1, timedOut)
}
