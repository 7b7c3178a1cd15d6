package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds how long a request waits for its response.
const DefaultTimeout = 5 * time.Second

// maxMessageSize bounds one inbound line.
const maxMessageSize = 16 << 20

type Options struct {
	Timeout time.Duration

	// OnNotification receives inbound messages that carry a method but no id.
	OnNotification func(method string, params json.RawMessage)
}

func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout}
}

type reply struct {
	result json.RawMessage
	err    *RPCError
}

// Client correlates requests and responses over a duplex stream. One reader
// goroutine owns the inbound side; any number of goroutines may call Request.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	w    io.WriteCloser
	opts Options

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan reply
	outbox  chan []byte

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error

	process *Process
}

// NewClient starts the reader on r and writes requests to w.
func NewClient(r io.Reader, w io.WriteCloser, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	c := &Client{
		w:       w,
		opts:    opts,
		pending: make(map[int64]chan reply),
		outbox:  make(chan []byte),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	go c.writeLoop()
	return c
}

// Request sends method with params and waits for the matching response.
//
// Returns:
//   - the raw result on success
//   - *RPCError when the counterpart reported an error
//   - an error matching ErrNoResponse when the timeout elapsed first
//   - an error matching ErrTransport when the channel is broken or closed
//   - ctx.Err() when ctx ends first
//
// A timed-out request is not retried.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, &TransportError{Op: method, Err: c.doneErr}
	default:
	}

	id := c.nextID.Add(1)
	slot := make(chan reply, 1)
	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()
	defer c.forget(id)

	// The deadline covers the write too: a counterpart that stops reading
	// must not hold the caller past the timeout.
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	idBytes, _ := json.Marshal(id)
	data, err := encodeRequest(method, idBytes, params)
	if err != nil {
		return nil, &TransportError{Op: method, Err: err}
	}
	select {
	case c.outbox <- data:
	case <-timer.C:
		return nil, errors.Wrapf(ErrNoResponse, "%s (id %d) not written after %s", method, id, c.opts.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, &TransportError{Op: method, Err: c.doneErr}
	}

	select {
	case r := <-slot:
		return r.unpack()
	case <-timer.C:
		return nil, errors.Wrapf(ErrNoResponse, "%s (id %d) after %s", method, id, c.opts.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case r := <-slot:
			return r.unpack()
		default:
		}
		return nil, &TransportError{Op: method, Err: c.doneErr}
	}
}

// Notify sends a message that expects no response. It gives up after the
// request timeout if the counterpart is not reading.
func (c *Client) Notify(method string, params any) error {
	data, err := encodeRequest(method, nil, params)
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return &TransportError{Op: method, Err: c.doneErr}
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	case <-timer.C:
		return errors.Wrapf(ErrNoResponse, "%s not written after %s", method, c.opts.Timeout)
	case <-c.done:
		return &TransportError{Op: method, Err: c.doneErr}
	}
}

// Done is closed once the client can no longer deliver responses.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the outbound stream and, for spawned clients, stops the child.
// Pending and later requests fail with ErrTransport.
func (c *Client) Close() error {
	c.shutdown(errors.New("client closed"))

	err := c.w.Close()

	if c.process != nil {
		if stopErr := c.process.Stop(); stopErr != nil {
			return stopErr
		}
	}
	if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		return errors.Wrap(err, "close request stream")
	}
	return nil
}

func (r reply) unpack() (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func encodeRequest(method string, id json.RawMessage, params any) ([]byte, error) {
	req := Request{JSONRPC: Version, ID: id, Method: method}
	if params == nil {
		params = struct{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "encode params")
	}
	req.Params = raw

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	return append(data, '\n'), nil
}

// writeLoop is the only writer of the outbound stream. A failed write breaks
// the transport for every caller.
func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			if _, err := c.w.Write(data); err != nil {
				c.shutdown(errors.Wrap(err, "write request"))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.doneErr = err
		close(c.done)
	})
}

func (c *Client) readLoop(r io.Reader) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("counterpart closed its output")
			}
			log.Debug().Err(err).Msg("RPC reader stopped")
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if len(line) > maxMessageSize {
		log.Warn().Int("size", len(line)).Msg("Dropped oversized RPC message")
		return
	}

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Debug().Err(err).Msg("Ignoring undecodable line from counterpart")
		return
	}

	if len(msg.ID) == 0 || string(msg.ID) == "null" {
		if msg.Method != "" && c.opts.OnNotification != nil {
			c.opts.OnNotification(msg.Method, msg.Params)
		}
		return
	}
	if msg.Method != "" {
		log.Debug().Str("method", msg.Method).Msg("Ignoring request from counterpart")
		return
	}

	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		log.Debug().RawJSON("id", msg.ID).Msg("Ignoring response with non-integer id")
		return
	}

	c.mu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		log.Debug().Int64("id", id).Msg("Ignoring response for unknown request")
		return
	}

	slot <- reply{result: msg.Result, err: msg.Error}
}
