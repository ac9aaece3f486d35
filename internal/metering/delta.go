// Package metering 实现流量计费核心：计数器差分、用量台账与观测回调入账
package metering

import (
	"context"
	"sync"
	"time"

	"flowgate/internal/config"
	"flowgate/internal/core/dispose"
	corelog "flowgate/internal/core/log"
)

// counterState 单个转发服务的计数器状态
// 由差分引擎独占持有，其他组件不得读取
type counterState struct {
	mu             sync.Mutex
	lastInput      int64
	lastOutput     int64
	lastSeenAt     time.Time
	resetCount     int64 // 推断出的外部重置次数（诊断用）
	anomalyCount   int64 // 计数器异常次数（诊断用）
}

// DeltaEngine 计数器差分引擎
// 将引擎 observer 回调的原始计数转换为单调的字节增量
// 上报模式是引擎级配置事实，显式传入，绝不从数据形状推断
type DeltaEngine struct {
	*dispose.ServiceBase
	mode   config.ReportMode
	mu     sync.RWMutex
	states map[string]*counterState
}

// NewDeltaEngine 创建差分引擎
func NewDeltaEngine(parentCtx context.Context, mode config.ReportMode) *DeltaEngine {
	return &DeltaEngine{
		ServiceBase: dispose.NewService("DeltaEngine", parentCtx),
		mode:        mode,
		states:      make(map[string]*counterState),
	}
}

// Mode 返回配置的上报模式
func (e *DeltaEngine) Mode() config.ReportMode {
	return e.mode
}

// Ingest 将一次回调的原始计数转换为字节增量
//
// cumulative 模式：delta = reported - last；reported < last 视为外部重置
// （服务重启或计数器回绕），整个 reported 值作为增量入账。
// incremental 模式：reported 本身就是增量，last 仅累计用于诊断。
// 负数输入属于计数器异常，增量钳制为 0 并记录日志，绝不污染累计值。
func (e *DeltaEngine) Ingest(serviceKey string, reportedInput, reportedOutput int64) (deltaIn, deltaOut int64) {
	state := e.stateFor(serviceKey)

	state.mu.Lock()
	defer state.mu.Unlock()

	if reportedInput < 0 || reportedOutput < 0 {
		state.anomalyCount++
		corelog.Warnf("DeltaEngine: negative counters for service %s (in=%d, out=%d), clamping to zero",
			serviceKey, reportedInput, reportedOutput)
		state.lastSeenAt = time.Now()
		return 0, 0
	}

	switch e.mode {
	case config.ReportModeIncremental:
		deltaIn = reportedInput
		deltaOut = reportedOutput
		// last 在增量模式下仅作运行总量诊断
		state.lastInput += reportedInput
		state.lastOutput += reportedOutput

	default: // cumulative
		deltaIn, state.lastInput = cumulativeDelta(reportedInput, state.lastInput, &state.resetCount)
		deltaOut, state.lastOutput = cumulativeDelta(reportedOutput, state.lastOutput, &state.resetCount)
		if state.resetCount > 0 && deltaIn+deltaOut > 0 {
			corelog.Debugf("DeltaEngine: service %s counters after %d inferred resets", serviceKey, state.resetCount)
		}
	}

	state.lastSeenAt = time.Now()
	return deltaIn, deltaOut
}

// cumulativeDelta 计算累计模式下单方向的增量；返回新的 last 值
func cumulativeDelta(reported, last int64, resetCount *int64) (int64, int64) {
	if reported < last {
		// 外部重置：服务重启后计数器从零开始，整个上报值就是增量
		*resetCount++
		return reported, reported
	}
	return reported - last, reported
}

// Forget 映射消失时清除对应的计数器状态
func (e *DeltaEngine) Forget(serviceKey string) {
	e.mu.Lock()
	delete(e.states, serviceKey)
	e.mu.Unlock()
}

// TrackedServices 返回当前跟踪的服务数量（诊断用）
func (e *DeltaEngine) TrackedServices() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.states)
}

func (e *DeltaEngine) stateFor(serviceKey string) *counterState {
	e.mu.RLock()
	state, exists := e.states[serviceKey]
	e.mu.RUnlock()
	if exists {
		return state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if state, exists = e.states[serviceKey]; exists {
		return state
	}
	state = &counterState{}
	e.states[serviceKey] = state
	return state
}
