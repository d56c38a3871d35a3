package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/snapshot"
	"github.com/roach88/optisync/internal/store"
)

// DefaultRequestTimeout bounds a single request when the caller's context
// has no deadline.
const DefaultRequestTimeout = 10 * time.Second

// Conn is a store.Backend served by a remote relay.
//
// Watch events are delivered on a dedicated goroutine in arrival order, so
// a callback may issue requests on the same Conn without stalling the
// reader.
type Conn struct {
	ws      *websocket.Conn
	timeout time.Duration

	send   chan Frame
	events *loop.Queue[event]
	done   chan struct{}

	nextID  atomic.Uint64
	nextSub atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	subs    map[uint64]*remoteWatch
	err     error

	closeOnce sync.Once
}

type remoteWatch struct {
	path      string
	fn        store.WatchFunc
	cancelled atomic.Bool
}

type event struct {
	watch *remoteWatch
	value snapshot.Value
}

// DialOption configures a Conn.
type DialOption func(*Conn)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) DialOption {
	return func(c *Conn) { c.timeout = d }
}

// Dial connects to a relay stream endpoint such as ws://host:8750/v1/stream.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Conn{
		ws:      ws,
		timeout: DefaultRequestTimeout,
		send:    make(chan Frame, sendBufferSize),
		events:  loop.NewQueue[event](),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan Frame),
		subs:    make(map[uint64]*remoteWatch),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.writeLoop()
	go c.readLoop()
	go c.eventLoop()
	return c, nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				c.shutdown(fmt.Errorf("relay write: %w", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.shutdown(fmt.Errorf("relay read: %w", err))
			return
		}

		if f.Op == OpEvent {
			c.mu.Lock()
			w := c.subs[f.Sub]
			c.mu.Unlock()
			if w == nil {
				continue
			}
			v, err := decodeValue(f.Value)
			if err != nil {
				slog.Warn("relay event dropped", "path", f.Path, "error", err)
				continue
			}
			c.events.Enqueue(event{watch: w, value: v})
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *Conn) eventLoop() {
	for {
		for {
			ev, ok := c.events.TryDequeue()
			if !ok {
				break
			}
			if !ev.watch.cancelled.Load() {
				ev.watch.fn(ev.value)
			}
		}
		if c.events.Closed() {
			return
		}
		<-c.events.Wait()
	}
}

// shutdown records the first terminal error and fails pending requests.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]chan Frame)
		c.mu.Unlock()
		close(c.done)
		c.events.Close()
		c.ws.Close()
	})
}

func (c *Conn) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return store.ErrClosed
	}
	return fmt.Errorf("%w: %w", store.ErrClosed, c.err)
}

func (c *Conn) enqueue(f Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return c.terminalErr()
	}
}

func (c *Conn) request(ctx context.Context, f Frame) (Frame, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	f.ID = c.nextID.Add(1)
	ch := make(chan Frame, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return Frame{}, c.terminalErr()
	default:
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.enqueue(f); err != nil {
		return Frame{}, err
	}

	select {
	case resp := <-ch:
		if err := frameError(resp); err != nil {
			return resp, err
		}
		return resp, nil
	case <-c.done:
		return Frame{}, c.terminalErr()
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("remote %s %s: %w", f.Op, f.Path, ctx.Err())
	}
}

// Read implements store.Backend.
func (c *Conn) Read(ctx context.Context, path string) (snapshot.Value, store.Version, error) {
	if err := snapshot.ValidatePath(path); err != nil {
		return nil, 0, err
	}
	resp, err := c.request(ctx, Frame{Op: OpRead, Path: path})
	if err != nil {
		return nil, 0, err
	}
	v, err := decodeValue(resp.Value)
	if err != nil {
		return nil, 0, err
	}
	return v, store.Version(resp.Version), nil
}

// CompareAndSwap implements store.Backend.
func (c *Conn) CompareAndSwap(ctx context.Context, path string, expected store.Version, value snapshot.Value) (bool, error) {
	if err := snapshot.ValidatePath(path); err != nil {
		return false, err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return false, err
	}
	resp, err := c.request(ctx, Frame{Op: OpCAS, Path: path, Version: int64(expected), Value: raw})
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Set implements store.Backend.
func (c *Conn) Set(ctx context.Context, path string, value snapshot.Value) error {
	if err := snapshot.ValidatePath(path); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, Frame{Op: OpSet, Path: path, Value: raw})
	return err
}

// Watch implements store.Backend. The subscription is registered before the
// watch frame is sent so the initial event is never missed.
func (c *Conn) Watch(path string, fn store.WatchFunc) (func(), error) {
	if err := snapshot.ValidatePath(path); err != nil {
		return nil, err
	}
	sub := c.nextSub.Add(1)
	w := &remoteWatch{path: path, fn: fn}

	c.mu.Lock()
	c.subs[sub] = w
	c.mu.Unlock()

	if _, err := c.request(context.Background(), Frame{Op: OpWatch, Path: path, Sub: sub}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			w.cancelled.Store(true)
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			// Best effort; events that race the unwatch are dropped above.
			go func() {
				if err := c.enqueue(Frame{Op: OpUnwatch, Sub: sub, Path: path}); err != nil && !errors.Is(err, store.ErrClosed) {
					slog.Warn("relay unwatch failed", "path", path, "error", err)
				}
			}()
		})
	}, nil
}

// Close implements store.Backend.
func (c *Conn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown(nil)
	return nil
}

var _ store.Backend = (*Conn)(nil)
