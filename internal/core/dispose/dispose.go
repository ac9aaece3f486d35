package dispose

import (
	"context"
	"fmt"
	"sync"
)

// DisposeError 清理过程中的错误信息
type DisposeError struct {
	HandlerIndex int
	ResourceName string
	Err          error
}

func (e *DisposeError) Error() string {
	if e.ResourceName != "" {
		return fmt.Sprintf("cleanup resource[%s] handler[%d] failed: %v", e.ResourceName, e.HandlerIndex, e.Err)
	}
	return fmt.Sprintf("cleanup handler[%d] failed: %v", e.HandlerIndex, e.Err)
}

// DisposeResult 清理结果
type DisposeResult struct {
	Errors []*DisposeError
}

func (r *DisposeResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *DisposeResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	return fmt.Sprintf("dispose cleanup failed with %d errors", len(r.Errors))
}

// Disposable 统一的资源释放接口
type Disposable interface {
	Dispose() error
}

// Dispose 资源管理结构体
type Dispose struct {
	currentLock   sync.Mutex
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	cleanHandlers []func() error
	linkLock      sync.Mutex
	errors        []*DisposeError
}

func (c *Dispose) Ctx() context.Context {
	return c.ctx
}

func (c *Dispose) IsClosed() bool {
	c.currentLock.Lock()
	defer c.currentLock.Unlock()
	return c.closed
}

// Close 关闭并返回清理结果
func (c *Dispose) Close() *DisposeResult {
	c.currentLock.Lock()
	defer c.currentLock.Unlock()
	if c.closed {
		return &DisposeResult{Errors: c.errors}
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return c.runCleanHandlers()
}

// CloseWithError 关闭并返回 error 形式的结果
func (c *Dispose) CloseWithError() error {
	result := c.Close()
	if result.HasErrors() {
		return result.Errors[0].Err
	}
	return nil
}

func (c *Dispose) runCleanHandlers() *DisposeResult {
	result := &DisposeResult{Errors: make([]*DisposeError, 0)}

	// 使用 linkLock 保护 cleanHandlers 的读取，防止与 AddCleanHandler 竞争
	c.linkLock.Lock()
	handlers := make([]func() error, len(c.cleanHandlers))
	copy(handlers, c.cleanHandlers)
	c.linkLock.Unlock()

	for i, handler := range handlers {
		if err := handler(); err != nil {
			disposeErr := &DisposeError{
				HandlerIndex: i,
				Err:          err,
			}
			result.Errors = append(result.Errors, disposeErr)
			c.errors = append(c.errors, disposeErr)

			// 记录错误日志，但不中断其他清理过程
			Errorf("Cleanup handler[%d] failed: %v", i, err)
		}
	}

	return result
}

// AddCleanHandler 添加返回错误的清理处理器
func (c *Dispose) AddCleanHandler(f func() error) {
	c.linkLock.Lock()
	defer c.linkLock.Unlock()

	if c.cleanHandlers == nil {
		c.cleanHandlers = make([]func() error, 0)
	}
	c.cleanHandlers = append(c.cleanHandlers, f)
}

// SetCtx 设置上下文和关闭回调
func (c *Dispose) SetCtx(parent context.Context, onClose func() error) {
	if c.ctx != nil {
		Warn("ctx already set")
		return
	}

	curParent := parent
	if curParent == nil {
		curParent = context.Background()
	}

	if onClose != nil {
		c.AddCleanHandler(onClose)
	}

	c.ctx, c.cancel = context.WithCancel(curParent)
	c.closed = false
	go func() {
		<-c.ctx.Done()
		c.currentLock.Lock()
		defer c.currentLock.Unlock()

		if !c.closed {
			result := c.runCleanHandlers()
			if result.HasErrors() {
				Errorf("Context cancellation cleanup failed: %v", result.Error())
			}
			c.closed = true
		}
	}()
}
