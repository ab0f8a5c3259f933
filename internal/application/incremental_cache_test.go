package application

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/access-ci/qa-extraction/internal/domain"
)

// TestIncrementalCache_RoundTrip verifies stored records survive Save and a
// fresh load from the same directory.
func TestIncrementalCache_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewIncrementalCache(dir)

	pairs := []domain.QAPair{samplePair("compute_delta_1", "delta"), samplePair("compute_delta_2", "delta")}
	c.Store("compute-resources", "delta", "abc123", pairs)
	require.NoError(t, c.Save())

	raw, err := os.ReadFile(filepath.Join(dir, CacheFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"compute-resources_delta"`)
	assert.Contains(t, string(raw), `"hash": "abc123"`)

	reloaded := NewIncrementalCache(dir)
	assert.Equal(t, 1, reloaded.Len())
	assert.True(t, reloaded.IsUnchanged("compute-resources", "delta", "abc123"))
	assert.False(t, reloaded.IsUnchanged("compute-resources", "delta", "other"))

	got, ok := reloaded.CachedPairs("compute-resources", "delta")
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, pairs[0].ID, got[0].ID)
	assert.Equal(t, pairs[1].Answer(), got[1].Answer())
	assert.True(t, got[0].Metadata.HasCitation)
}

// TestIncrementalCache_Stats verifies every lookup counts as a hit or a miss,
// including lookups for keys never stored.
func TestIncrementalCache_Stats(t *testing.T) {
	metrics := newRecordingMetrics()
	c := NewIncrementalCache(t.TempDir(), WithCacheMetrics(metrics))
	c.Store("allocations", "TG-1", "h1", nil)

	tests := []struct {
		name     string
		domain   string
		id       string
		hash     string
		expected bool
	}{
		{"same hash", "allocations", "TG-1", "h1", true},
		{"changed hash", "allocations", "TG-1", "h2", false},
		{"unknown entity", "allocations", "TG-2", "h1", false},
		{"unknown domain", "nsf-awards", "TG-1", "h1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.IsUnchanged(tt.domain, tt.id, tt.hash))
		})
	}

	hits, misses := c.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 3, misses)
	assert.Equal(t, 1.0, metrics.counter("cache_lookups_total", map[string]string{"domain": "allocations", "result": "hit"}))
	assert.Equal(t, 2.0, metrics.counter("cache_lookups_total", map[string]string{"domain": "allocations", "result": "miss"}))
}

// TestIncrementalCache_CachedPairsIsolation verifies neither the stored
// input nor a returned value can change the cached record.
func TestIncrementalCache_CachedPairsIsolation(t *testing.T) {
	c := NewIncrementalCache(t.TempDir())
	pairs := []domain.QAPair{samplePair("p1", "delta")}
	c.Store("compute-resources", "delta", "h", pairs)

	pairs[0].SetAnswer("mutated by caller")

	got, ok := c.CachedPairs("compute-resources", "delta")
	require.True(t, ok)
	got[0].SetAnswer("mutated by reader")
	got[0].Messages[0].Content = "changed question"

	again, ok := c.CachedPairs("compute-resources", "delta")
	require.True(t, ok)
	assert.Equal(t, "What is delta?", again[0].Question())
	assert.Contains(t, again[0].Answer(), "GPU cluster")
}

// TestIncrementalCache_CachedPairsMissing covers absent keys and records
// without a pair list.
func TestIncrementalCache_CachedPairsMissing(t *testing.T) {
	dir := t.TempDir()
	doc := `{"software-discovery_gromacs": {"hash": "h"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, CacheFileName), []byte(doc), 0o644))

	c := NewIncrementalCache(dir)
	_, ok := c.CachedPairs("software-discovery", "gromacs")
	assert.False(t, ok, "record without pairs")
	assert.True(t, c.IsUnchanged("software-discovery", "gromacs", "h"))

	_, ok = c.CachedPairs("software-discovery", "lammps")
	assert.False(t, ok, "unknown key")

	c.Store("software-discovery", "lammps", "h", []domain.QAPair{})
	got, ok := c.CachedPairs("software-discovery", "lammps")
	assert.True(t, ok, "empty pair list is still a cached result")
	assert.Empty(t, got)
}

// TestIncrementalCache_CorruptFile verifies an unreadable cache starts
// empty and logs a warning instead of failing.
func TestIncrementalCache_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CacheFileName), []byte("{not json"), 0o644))

	core, logs := observer.New(zapcore.WarnLevel)
	c := NewIncrementalCache(dir, WithCacheLogger(zap.New(core)))

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.IsUnchanged("compute-resources", "delta", "h"))
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "corrupt")

	c.Store("compute-resources", "delta", "h", nil)
	require.NoError(t, c.Save(), "a corrupt file is replaced on save")
	assert.Equal(t, 1, NewIncrementalCache(dir).Len())
}

// TestIncrementalCache_MissingFileIsSilent verifies a cold start logs nothing.
func TestIncrementalCache_MissingFileIsSilent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewIncrementalCache(t.TempDir(), WithCacheLogger(zap.New(core)))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, logs.Len())
}

// TestIncrementalCache_SaveCreatesDir verifies Save creates a missing
// output directory and leaves no temp files behind.
func TestIncrementalCache_SaveCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "output")
	c := NewIncrementalCache(dir)
	c.Store("nsf-awards", "2138259", "h", nil)
	require.NoError(t, c.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, CacheFileName, entries[0].Name())
	assert.Equal(t, filepath.Join(dir, CacheFileName), c.Path())
}

// TestIncrementalCache_Concurrent exercises Store, IsUnchanged and Save from
// many goroutines; run with -race.
func TestIncrementalCache_Concurrent(t *testing.T) {
	dir := t.TempDir()
	c := NewIncrementalCache(dir)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			c.Store("compute-resources", id, "h", []domain.QAPair{samplePair("p"+id, id)})
			c.IsUnchanged("compute-resources", id, "h")
			_, _ = c.CachedPairs("compute-resources", id)
			if i%5 == 0 {
				assert.NoError(t, c.Save())
			}
		}()
	}
	wg.Wait()

	hits, misses := c.Stats()
	assert.Equal(t, 20, hits)
	assert.Equal(t, 0, misses)
	require.NoError(t, c.Save())
	assert.Equal(t, 20, NewIncrementalCache(dir).Len())
}
