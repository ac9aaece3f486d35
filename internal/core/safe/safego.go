// Package safe 提供安全的 Goroutine 启动
// 后台循环统一经由此包启动，panic 被恢复并记录而不是压垮整个进程
package safe

import (
	"runtime/debug"
	"sync/atomic"

	corelog "flowgate/internal/core/log"
)

var globalManager = &manager{}

// manager Goroutine 计数器
type manager struct {
	activeCount atomic.Int64
	totalCount  atomic.Int64
	panicCount  atomic.Int64
}

// Stats Goroutine 统计信息
type Stats struct {
	Active     int64 // 当前活跃数量
	Total      int64 // 累计创建数量
	PanicCount int64 // panic 次数
}

// GetStats 获取统计信息
func GetStats() Stats {
	return Stats{
		Active:     globalManager.activeCount.Load(),
		Total:      globalManager.totalCount.Load(),
		PanicCount: globalManager.panicCount.Load(),
	}
}

// Go 安全启动 Goroutine（带 panic 恢复）
// name 用于日志标识
func Go(name string, fn func()) {
	globalManager.totalCount.Add(1)
	globalManager.activeCount.Add(1)

	go func() {
		defer func() {
			globalManager.activeCount.Add(-1)
			if r := recover(); r != nil {
				globalManager.panicCount.Add(1)
				corelog.Errorf("SafeGo[%s]: panic recovered: %v\n%s", name, r, string(debug.Stack()))
			}
		}()
		fn()
	}()
}
