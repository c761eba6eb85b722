package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber 按 key 返回预设的探测结果
type fakeProber struct {
	mu      sync.Mutex
	results map[string]error
	probed  []string

	started chan struct{} // 首次探测开始时关闭
	block   chan struct{} // 非 nil 时探测阻塞至其关闭
}

func (p *fakeProber) Probe(ctx context.Context, key string) error {
	if p.started != nil {
		p.mu.Lock()
		select {
		case <-p.started:
		default:
			close(p.started)
		}
		p.mu.Unlock()
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, key)
	return p.results[key]
}

func TestSweepRecoversHealthyKeys(t *testing.T) {
	pool := newTestPool(t, fakeSettings{"MAX_FAILURES": "1"}, "key-aaaa-0001", "key-bbbb-0002")
	pool.RecordFailure("key-aaaa-0001")
	pool.RecordFailure("key-bbbb-0002")
	require.Equal(t, 0, pool.UsableCount())

	prober := &fakeProber{results: map[string]error{
		"key-aaaa-0001": nil,
		"key-bbbb-0002": errors.New("still dead"),
	}}
	checker := NewHealthChecker(pool, prober, nil, testLogger())

	recovered := checker.Sweep(context.Background())

	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, pool.UsableCount())
	assert.ElementsMatch(t, []string{"key-aaaa-0001", "key-bbbb-0002"}, prober.probed)

	cred, err := pool.NextWorkingCredential()
	require.NoError(t, err)
	assert.Equal(t, "key-aaaa-0001", cred.Value)
}

func TestSweepSkipsUsableKeys(t *testing.T) {
	pool := newTestPool(t, fakeSettings{}, "key-aaaa-0001", "key-bbbb-0002")

	prober := &fakeProber{results: map[string]error{}}
	checker := NewHealthChecker(pool, prober, nil, testLogger())

	recovered := checker.Sweep(context.Background())

	assert.Zero(t, recovered)
	assert.Empty(t, prober.probed, "usable keys must not be probed")
}

func TestSweepDoesNotReenableManuallyDisabled(t *testing.T) {
	pool := newTestPool(t, fakeSettings{}, "key-aaaa-0001")
	pool.SetEnabled("key-aaaa-0001", false)

	prober := &fakeProber{results: map[string]error{"key-aaaa-0001": nil}}
	checker := NewHealthChecker(pool, prober, nil, testLogger())

	checker.Sweep(context.Background())

	// 探测成功只清失败计数，enabled 保持 false
	_, err := pool.NextWorkingCredential()
	assert.ErrorIs(t, err, ErrNoWorkingCredential)
}

func TestSweepSingleFlight(t *testing.T) {
	pool := newTestPool(t, fakeSettings{"MAX_FAILURES": "1"}, "key-aaaa-0001")
	pool.RecordFailure("key-aaaa-0001")

	block := make(chan struct{})
	started := make(chan struct{})
	prober := &fakeProber{
		results: map[string]error{"key-aaaa-0001": nil},
		block:   block,
		started: started,
	}
	checker := NewHealthChecker(pool, prober, nil, testLogger())

	done := make(chan int, 1)
	go func() {
		done <- checker.Sweep(context.Background())
	}()

	// 等第一次扫描阻塞在探测上，后到的调用必须立即返回 0
	<-started
	assert.Zero(t, checker.Sweep(context.Background()))

	close(block)
	assert.Equal(t, 1, <-done)
}

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	pool := newTestPool(t, fakeSettings{}, "key-aaaa-0001")
	checker := NewHealthChecker(pool, &fakeProber{}, nil, testLogger())

	_, err := checker.Schedule("not a cron spec")
	assert.Error(t, err)

	c, err := checker.Schedule("@every 10m")
	require.NoError(t, err)
	<-c.Stop().Done()
}
