package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeBase36(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		length int
		want   string
	}{
		{"zero pads", []byte{0}, 4, "0000"},
		{"single byte", []byte{35}, 2, "0z"},
		{"36 rolls over", []byte{36}, 2, "10"},
		{"truncates to least significant", []byte{0xff, 0xff, 0xff}, 2, func() string {
			// 16777215 in base36 is "9zldr"; keep last 2 chars.
			return "dr"
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeBase36(tt.data, tt.length))
		})
	}
}

func TestRandomIDsUniqueAndPrefixed(t *testing.T) {
	g := NewRandom()

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := g.NewOperationID()
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.True(t, strings.HasPrefix(g.NewBatchID(), "batch-"))
	assert.True(t, strings.HasPrefix(g.NewRollbackID(), "rp-"))
	assert.True(t, strings.HasPrefix(g.NewSessionID(), "sess-"))
	assert.True(t, strings.HasPrefix(g.NewFragmentID(), "frag-"))
	assert.True(t, strings.HasPrefix(g.NewEventID(), "evt-"))
}

func TestSequentialIsDeterministic(t *testing.T) {
	g := NewSequential()
	assert.Equal(t, "op-1", g.NewOperationID())
	assert.Equal(t, "op-2", g.NewOperationID())
	assert.Equal(t, "batch-3", g.NewBatchID())
}
