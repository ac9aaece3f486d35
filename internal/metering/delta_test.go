package metering

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"flowgate/internal/config"
)

func TestDeltaEngine_CumulativeMonotonic(t *testing.T) {
	engine := NewDeltaEngine(context.Background(), config.ReportModeCumulative)
	defer engine.Close()

	in, out := engine.Ingest("svc-1", 100, 50)
	assert.Equal(t, int64(100), in)
	assert.Equal(t, int64(50), out)

	in, out = engine.Ingest("svc-1", 250, 80)
	assert.Equal(t, int64(150), in)
	assert.Equal(t, int64(30), out)

	// 计数未变化时增量为零
	in, out = engine.Ingest("svc-1", 250, 80)
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestDeltaEngine_CumulativeResetInference(t *testing.T) {
	engine := NewDeltaEngine(context.Background(), config.ReportModeCumulative)
	defer engine.Close()

	engine.Ingest("svc-1", 100, 0)
	engine.Ingest("svc-1", 150, 0)

	// 上报值回落：服务重启，整个上报值入账
	in, _ := engine.Ingest("svc-1", 40, 0)
	assert.Equal(t, int64(40), in)

	// 重置后继续累计
	in, _ = engine.Ingest("svc-1", 90, 0)
	assert.Equal(t, int64(50), in)
}

func TestDeltaEngine_Incremental(t *testing.T) {
	engine := NewDeltaEngine(context.Background(), config.ReportModeIncremental)
	defer engine.Close()

	in, out := engine.Ingest("svc-1", 100, 60)
	assert.Equal(t, int64(100), in)
	assert.Equal(t, int64(60), out)

	// 增量模式下每次上报原样入账，不做差值
	in, out = engine.Ingest("svc-1", 40, 10)
	assert.Equal(t, int64(40), in)
	assert.Equal(t, int64(10), out)
}

func TestDeltaEngine_NegativeCountersClamped(t *testing.T) {
	engine := NewDeltaEngine(context.Background(), config.ReportModeCumulative)
	defer engine.Close()

	engine.Ingest("svc-1", 100, 100)

	in, out := engine.Ingest("svc-1", -5, 200)
	assert.Zero(t, in)
	assert.Zero(t, out)

	// 异常上报不污染已有状态
	in, out = engine.Ingest("svc-1", 150, 250)
	assert.Equal(t, int64(50), in)
	assert.Equal(t, int64(50), out)
}

func TestDeltaEngine_Forget(t *testing.T) {
	engine := NewDeltaEngine(context.Background(), config.ReportModeCumulative)
	defer engine.Close()

	engine.Ingest("svc-1", 100, 0)
	assert.Equal(t, 1, engine.TrackedServices())

	engine.Forget("svc-1")
	assert.Zero(t, engine.TrackedServices())

	// 遗忘后重新出现按新服务处理
	in, _ := engine.Ingest("svc-1", 30, 0)
	assert.Equal(t, int64(30), in)
}

func TestDeltaEngine_IndependentServices(t *testing.T) {
	engine := NewDeltaEngine(context.Background(), config.ReportModeCumulative)
	defer engine.Close()

	engine.Ingest("svc-1", 100, 0)
	in, _ := engine.Ingest("svc-2", 70, 0)
	assert.Equal(t, int64(70), in)

	in, _ = engine.Ingest("svc-1", 130, 0)
	assert.Equal(t, int64(30), in)
}
