package events

import (
	"context"
	"fmt"
	"sync"

	"flowgate/internal/core/dispose"
	corelog "flowgate/internal/core/log"
	"flowgate/internal/core/safe"
)

// eventBus 事件总线实现
type eventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	dispose.Dispose
}

// NewEventBus 创建新的事件总线
func NewEventBus(parentCtx context.Context) EventBus {
	ctx, cancel := context.WithCancel(parentCtx)

	bus := &eventBus{
		subscribers: make(map[string][]EventHandler),
		ctx:         ctx,
		cancel:      cancel,
	}

	bus.SetCtx(parentCtx, bus.onClose)
	return bus
}

// onClose 资源清理回调
func (bus *eventBus) onClose() error {
	if bus.cancel != nil {
		bus.cancel()
	}

	bus.mu.Lock()
	bus.subscribers = make(map[string][]EventHandler)
	bus.mu.Unlock()

	return nil
}

// Publish 发布事件
// 处理器在独立 goroutine 中依次执行，发布方不被阻塞
func (bus *eventBus) Publish(event Event) error {
	if bus.IsClosed() {
		return fmt.Errorf("event bus is closed")
	}

	eventType := event.Type()

	bus.mu.RLock()
	handlers, exists := bus.subscribers[eventType]
	if !exists {
		bus.mu.RUnlock()
		corelog.Debugf("EventBus: no handlers for event type: %s", eventType)
		return nil
	}

	// 创建处理器副本以避免并发修改
	handlersCopy := make([]EventHandler, len(handlers))
	copy(handlersCopy, handlers)
	bus.mu.RUnlock()

	safe.Go("event-bus-dispatch", func() {
		for _, handler := range handlersCopy {
			select {
			case <-bus.ctx.Done():
				return
			default:
				if err := handler(event); err != nil {
					corelog.Errorf("EventBus: handler failed for event %s: %v", eventType, err)
				}
			}
		}
	})

	return nil
}

// Subscribe 订阅事件
func (bus *eventBus) Subscribe(eventType string, handler EventHandler) error {
	if bus.IsClosed() {
		return fmt.Errorf("event bus is closed")
	}
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("event handler cannot be nil")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.subscribers[eventType] = append(bus.subscribers[eventType], handler)
	corelog.Debugf("EventBus: subscribed handler for event type: %s, total handlers: %d",
		eventType, len(bus.subscribers[eventType]))

	return nil
}

// Unsubscribe 取消订阅
func (bus *eventBus) Unsubscribe(eventType string, handler EventHandler) error {
	if bus.IsClosed() {
		return fmt.Errorf("event bus is closed")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	handlers, exists := bus.subscribers[eventType]
	if !exists {
		return fmt.Errorf("no handlers found for event type: %s", eventType)
	}

	handlerPtr := fmt.Sprintf("%p", handler)
	for i, existingHandler := range handlers {
		if fmt.Sprintf("%p", existingHandler) == handlerPtr {
			bus.subscribers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("handler not found for event type: %s", eventType)
}

// Close 关闭事件总线
func (bus *eventBus) Close() error {
	return bus.Dispose.CloseWithError()
}
