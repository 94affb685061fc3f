package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRecordsTimedOperations(t *testing.T) {
	m := NewInMemory()
	m.RecordDownload("example.com/a", 30*time.Millisecond, true)
	m.RecordDownload("example.com/a", 10*time.Millisecond, false)
	m.RecordExtraction("example.com/a", 5*time.Millisecond, true)
	m.RecordCacheHit("example.com/a")
	m.RecordDependency("a", time.Second, "patched")
	m.RecordDependency("b", time.Second, "failed")
	m.RecordHunks(3)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Downloads.Total)
	assert.Equal(t, int64(1), snap.Downloads.Success)
	assert.Equal(t, int64(1), snap.Downloads.Failed)
	assert.Equal(t, 10*time.Millisecond, snap.Downloads.MinTime)
	assert.Equal(t, 30*time.Millisecond, snap.Downloads.MaxTime)
	assert.Equal(t, int64(1), snap.ExtractionsByModule["example.com/a"])
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, map[string]int64{"patched": 1, "failed": 1}, snap.Dependencies)
	assert.Equal(t, int64(3), snap.HunksApplied)

	m.Reset()
	require.Equal(t, int64(0), m.Snapshot().Downloads.Total)
}

func TestInMemoryIsSafeForConcurrentUse(t *testing.T) {
	m := NewInMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordCacheHit("example.com/a")
			m.RecordHunks(1)
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(50), snap.CacheHits)
	assert.Equal(t, int64(50), snap.HunksApplied)
}

func TestOrNoOp(t *testing.T) {
	assert.Equal(t, NoOp{}, OrNoOp(nil))
	m := NewInMemory()
	assert.Same(t, m, OrNoOp(m))
}
