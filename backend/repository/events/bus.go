package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler 事件处理器
type Handler func(event Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus 事件总线
//
// Publish 按发布顺序异步投递；每次投递前复制处理器列表，
// 投递过程中新增的订阅不会收到当前事件。
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription

	qmu      sync.Mutex
	queue    []Event
	draining bool
	closed   bool
	idle     *sync.Cond
}

// NewBus 创建新的事件总线
func NewBus() *Bus {
	b := &Bus{
		handlers: make(map[EventType][]subscription),
	}
	b.idle = sync.NewCond(&b.qmu)
	return b
}

// Subscribe 订阅指定类型的事件，返回用于取消订阅的 token
func (b *Bus) Subscribe(eventType EventType, handler Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll 订阅所有事件
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(EventAll, handler)
}

// Unsubscribe 按 token 取消订阅，未找到时返回 false
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.handlers {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, eventType)
			} else {
				b.handlers[eventType] = next
			}
			return true
		}
	}
	return false
}

// Publish 发布事件（异步、保序）
func (b *Bus) Publish(event Event) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, event)
	if !b.draining {
		b.draining = true
		go b.drain()
	}
}

func (b *Bus) drain() {
	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.idle.Broadcast()
			b.qmu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.PublishSync(event)
	}
}

// PublishSync 发布事件（同步执行所有处理器）
func (b *Bus) PublishSync(event Event) {
	for _, h := range b.snapshot(event.Type()) {
		deliver(h, event)
	}
}

func (b *Bus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	// 复制处理器列表，避免在锁内执行用户代码
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.handlers[EventAll]))
	for _, sub := range b.handlers[eventType] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range b.handlers[EventAll] {
		handlers = append(handlers, sub.handler)
	}
	return handlers
}

func deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[Events] handler for %s panicked: %v", event.Type(), r)
		}
	}()
	h(event)
}

// Flush 等待已发布的事件全部投递完成
func (b *Bus) Flush() {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	for b.draining {
		b.idle.Wait()
	}
}

// HasSubscribers 检查是否有订阅者
func (b *Bus) HasSubscribers(eventType EventType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0 || len(b.handlers[EventAll]) > 0
}

// Clear 清除所有订阅
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
}

// Close 停止接收新事件，已入队的事件仍会投递
func (b *Bus) Close() {
	b.qmu.Lock()
	b.closed = true
	b.qmu.Unlock()
}
