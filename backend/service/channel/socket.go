package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"leafclient/backend/codec"
	"leafclient/backend/domain"
)

// 帧类型
const (
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// 请求动作
const (
	actionIsRunning = "is_running"
	actionStart     = "start"
	actionStop      = "stop"
	actionReload    = "reload"
	actionVersion   = "version"
)

// Frame Engine 宿主 socket 上的 CBOR 帧
type Frame struct {
	ID     uint64 `cbor:"id,omitempty"`
	Kind   string `cbor:"kind"`
	Action string `cbor:"action,omitempty"`
	Label  string `cbor:"label,omitempty"`

	OK    bool             `cbor:"ok,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`

	Event     string     `cbor:"event,omitempty"`
	Message   string     `cbor:"message,omitempty"`
	Broadcast *Broadcast `cbor:"broadcast,omitempty"`
}

// SocketDialer 通过 unix socket 连接 Engine 宿主
type SocketDialer struct {
	Path string

	// EventBuffer 事件缓冲大小
	EventBuffer int
}

// Dial 建立连接
func (d SocketDialer) Dial(ctx context.Context) (Remote, error) {
	if d.Path == "" {
		return nil, errors.New("engine socket path is empty")
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, fmt.Errorf("dial engine host %s: %w", d.Path, err)
	}
	buffer := d.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return newSocketRemote(conn, buffer), nil
}

type socketRemote struct {
	conn net.Conn

	encMu sync.Mutex
	enc   *codec.Encoder

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	err     error

	events  chan Event
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
}

func newSocketRemote(conn net.Conn, buffer int) *socketRemote {
	r := &socketRemote{
		conn:    conn,
		enc:     codec.NewEncoder(conn),
		pending: make(map[uint64]chan Frame),
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go r.readLoop()
	return r
}

func (r *socketRemote) readLoop() {
	dec := codec.NewDecoder(r.conn)
	var readErr error
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			readErr = err
			break
		}
		switch f.Kind {
		case frameResponse:
			r.mu.Lock()
			ch, ok := r.pending[f.ID]
			delete(r.pending, f.ID)
			r.mu.Unlock()
			if ok {
				ch <- f
			}
		case frameEvent:
			ev := Event{Kind: EventKind(f.Event), Message: f.Message, Broadcast: f.Broadcast}
			select {
			case r.events <- ev:
			case <-r.closing:
				readErr = io.EOF
			}
		}
		if readErr != nil {
			break
		}
	}

	r.mu.Lock()
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
		r.err = domain.ErrRemoteUnavailable
	} else {
		r.err = fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, readErr)
	}
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(r.done)
}

func (r *socketRemote) call(ctx context.Context, action, label string) (Frame, error) {
	id := r.nextID.Add(1)
	ch := make(chan Frame, 1)

	r.mu.Lock()
	if r.pending == nil {
		r.mu.Unlock()
		return Frame{}, domain.ErrRemoteUnavailable
	}
	r.pending[id] = ch
	r.mu.Unlock()

	r.encMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetWriteDeadline(deadline)
	} else {
		_ = r.conn.SetWriteDeadline(time.Time{})
	}
	err := r.enc.Encode(Frame{ID: id, Kind: frameRequest, Action: action, Label: label})
	r.encMu.Unlock()
	if err != nil {
		r.forget(id)
		return Frame{}, fmt.Errorf("%w: write %s: %v", domain.ErrRemoteUnavailable, action, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, domain.ErrRemoteUnavailable
		}
		if !resp.OK {
			return resp, &domain.OperationFailedError{Op: action, Reason: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		r.forget(id)
		return Frame{}, ctx.Err()
	}
}

func (r *socketRemote) forget(id uint64) {
	r.mu.Lock()
	if r.pending != nil {
		delete(r.pending, id)
	}
	r.mu.Unlock()
}

func (r *socketRemote) IsRunning(ctx context.Context) (bool, error) {
	resp, err := r.call(ctx, actionIsRunning, "")
	if err != nil {
		return false, err
	}
	var running bool
	if len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, &running); err != nil {
			return false, fmt.Errorf("decode is_running: %w", err)
		}
	}
	return running, nil
}

func (r *socketRemote) Start(ctx context.Context, sessionLabel string) error {
	_, err := r.call(ctx, actionStart, sessionLabel)
	return err
}

func (r *socketRemote) Stop(ctx context.Context) error {
	_, err := r.call(ctx, actionStop, "")
	return err
}

func (r *socketRemote) Reload(ctx context.Context) error {
	_, err := r.call(ctx, actionReload, "")
	return err
}

func (r *socketRemote) Version(ctx context.Context) (string, error) {
	resp, err := r.call(ctx, actionVersion, "")
	if err != nil {
		return "", err
	}
	var version string
	if len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, &version); err != nil {
			return "", fmt.Errorf("decode version: %w", err)
		}
	}
	return version, nil
}

func (r *socketRemote) Events() <-chan Event  { return r.events }
func (r *socketRemote) Done() <-chan struct{} { return r.done }

func (r *socketRemote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *socketRemote) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closing)
		err = r.conn.Close()
	})
	return err
}
