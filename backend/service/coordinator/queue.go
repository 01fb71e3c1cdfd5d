package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const commandBuffer = 32

type command struct {
	name string
	run  func(ctx context.Context)
}

// commandQueue 串行执行 Engine 生命周期命令，调用方不阻塞在 IPC 上
type commandQueue struct {
	ctx     context.Context
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	ch     chan command
	done   chan struct{}
}

func newCommandQueue(ctx context.Context, timeout time.Duration) *commandQueue {
	q := &commandQueue{
		ctx:     ctx,
		timeout: timeout,
		ch:      make(chan command, commandBuffer),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *commandQueue) enqueue(name string, run func(ctx context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		logrus.Warnf("[Coordinator] drop %s command: coordinator closed", name)
		return
	}
	select {
	case q.ch <- command{name: name, run: run}:
	case <-q.ctx.Done():
	}
}

func (q *commandQueue) loop() {
	defer close(q.done)
	for cmd := range q.ch {
		q.exec(cmd)
	}
}

func (q *commandQueue) exec(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[Coordinator] %s command panicked: %v", cmd.name, r)
		}
	}()
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()
	cmd.run(ctx)
}

func (q *commandQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}
