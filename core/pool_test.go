package core

import (
	"fmt"
	"sync"
	"testing"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCredentialStore 内存实现，测试专用
type fakeCredentialStore struct {
	mu   sync.Mutex
	keys []models.APIKeyRecord
	err  error
}

func newFakeStore(keys ...string) *fakeCredentialStore {
	s := &fakeCredentialStore{}
	for _, k := range keys {
		s.keys = append(s.keys, models.APIKeyRecord{KeyValue: k, Enabled: true})
	}
	return s
}

func (s *fakeCredentialStore) ListKeys() ([]models.APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.APIKeyRecord, len(s.keys))
	copy(out, s.keys)
	return out, nil
}

func (s *fakeCredentialStore) UpsertKey(value string) (*models.APIKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := models.APIKeyRecord{KeyValue: value, Enabled: true}
	s.keys = append(s.keys, rec)
	return &rec, nil
}

func (s *fakeCredentialStore) DeleteKey(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.keys {
		if k.KeyValue == value {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("key not found")
}

// fakeSettings 内存配置，测试专用
type fakeSettings map[string]string

func (s fakeSettings) GetSetting(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestPool(t *testing.T, settings fakeSettings, keys ...string) *CredentialPool {
	t.Helper()
	pool, err := NewCredentialPool(newFakeStore(keys...), settings, testLogger())
	require.NoError(t, err)
	return pool
}

func TestNextWorkingCredentialRoundRobin(t *testing.T) {
	pool := newTestPool(t, fakeSettings{}, "key-aaaa-0001", "key-bbbb-0002", "key-cccc-0003")

	var order []string
	for i := 0; i < 6; i++ {
		cred, err := pool.NextWorkingCredential()
		require.NoError(t, err)
		order = append(order, cred.Value)
	}

	// 两整圈，每圈三个 key 各出现一次且顺序一致
	assert.Equal(t, order[:3], order[3:])
	assert.ElementsMatch(t, []string{"key-aaaa-0001", "key-bbbb-0002", "key-cccc-0003"}, order[:3])
}

func TestNextWorkingCredentialSkipsFailedKeys(t *testing.T) {
	pool := newTestPool(t, fakeSettings{"MAX_FAILURES": "2"}, "key-aaaa-0001", "key-bbbb-0002")

	// key-aaaa 达到阈值后不再被选中
	pool.RecordFailure("key-aaaa-0001")
	pool.RecordFailure("key-aaaa-0001")

	for i := 0; i < 4; i++ {
		cred, err := pool.NextWorkingCredential()
		require.NoError(t, err)
		assert.Equal(t, "key-bbbb-0002", cred.Value)
	}

	// 清零后重新进入轮询
	pool.ResetFailureCount("key-aaaa-0001")
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		cred, err := pool.NextWorkingCredential()
		require.NoError(t, err)
		seen[cred.Value] = true
	}
	assert.True(t, seen["key-aaaa-0001"])
	assert.True(t, seen["key-bbbb-0002"])
}

func TestNextWorkingCredentialExhausted(t *testing.T) {
	pool := newTestPool(t, fakeSettings{"MAX_FAILURES": "1"}, "key-aaaa-0001")

	pool.RecordFailure("key-aaaa-0001")
	_, err := pool.NextWorkingCredential()
	assert.ErrorIs(t, err, ErrNoWorkingCredential)
}

func TestNextWorkingCredentialEmptyPool(t *testing.T) {
	pool := newTestPool(t, fakeSettings{})

	_, err := pool.NextWorkingCredential()
	assert.ErrorIs(t, err, ErrNoWorkingCredential)
}

func TestRecordFailureConcurrent(t *testing.T) {
	pool := newTestPool(t, fakeSettings{"MAX_FAILURES": "1000"}, "key-aaaa-0001")

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			pool.RecordFailure("key-aaaa-0001")
		}()
	}
	wg.Wait()

	views := pool.ListAll()
	require.Len(t, views, 1)
	assert.Equal(t, goroutines, views[0].FailureCount)
}

func TestRecordSuccessClearsFailures(t *testing.T) {
	pool := newTestPool(t, fakeSettings{"MAX_FAILURES": "3"}, "key-aaaa-0001")

	pool.RecordFailure("key-aaaa-0001")
	pool.RecordFailure("key-aaaa-0001")
	pool.RecordSuccess("key-aaaa-0001")

	views := pool.ListAll()
	require.Len(t, views, 1)
	assert.Equal(t, 0, views[0].FailureCount)
	assert.Nil(t, views[0].LastFailedAt)
}

func TestSetEnabledStickyThroughReset(t *testing.T) {
	pool := newTestPool(t, fakeSettings{}, "key-aaaa-0001")

	require.True(t, pool.SetEnabled("key-aaaa-0001", false))
	_, err := pool.NextWorkingCredential()
	assert.ErrorIs(t, err, ErrNoWorkingCredential)

	// 清零失败计数不会恢复手动禁用的凭证
	pool.ResetFailureCount("key-aaaa-0001")
	_, err = pool.NextWorkingCredential()
	assert.ErrorIs(t, err, ErrNoWorkingCredential)

	require.True(t, pool.SetEnabled("key-aaaa-0001", true))
	cred, err := pool.NextWorkingCredential()
	require.NoError(t, err)
	assert.Equal(t, "key-aaaa-0001", cred.Value)
}

func TestReloadPreservesRuntimeCounts(t *testing.T) {
	store := newFakeStore("key-aaaa-0001")
	pool, err := NewCredentialPool(store, fakeSettings{}, testLogger())
	require.NoError(t, err)

	pool.RecordFailure("key-aaaa-0001")
	pool.RecordFailure("key-aaaa-0001")

	// 新增一个 key 后重载，原 key 的运行时计数不丢
	store.UpsertKey("key-bbbb-0002")
	require.NoError(t, pool.Reload())

	assert.Equal(t, 2, pool.Size())
	for _, v := range pool.ListAll() {
		if v.Fingerprint == models.FingerprintKey("key-aaaa-0001") {
			assert.Equal(t, 2, v.FailureCount)
		}
	}
}

func TestListAllMasksKeys(t *testing.T) {
	pool := newTestPool(t, fakeSettings{}, "AIzaSyExampleSecretValue9999")

	views := pool.ListAll()
	require.Len(t, views, 1)
	assert.Equal(t, "AIza...9999", views[0].Fingerprint)
	assert.NotContains(t, views[0].Fingerprint, "ExampleSecret")
}

func TestUsableCountAndMaxFailures(t *testing.T) {
	pool := newTestPool(t, fakeSettings{"MAX_FAILURES": "2"}, "key-aaaa-0001", "key-bbbb-0002")

	assert.Equal(t, 2, pool.MaxFailures())
	assert.Equal(t, 2, pool.UsableCount())

	pool.RecordFailure("key-aaaa-0001")
	pool.RecordFailure("key-aaaa-0001")
	assert.Equal(t, 1, pool.UsableCount())

	unusable := pool.Unusable()
	require.Len(t, unusable, 1)
	assert.Equal(t, "key-aaaa-0001", unusable[0].Value)
}
