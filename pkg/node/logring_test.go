package node

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ttheew/symphony/pkg/types"
)

func entry(i int) types.LogEntry {
	return types.LogEntry{
		TimestampUnixMs: int64(i),
		Stream:          types.StreamStdout,
		Line:            fmt.Sprintf("line %d", i),
	}
}

func TestLogRingTail(t *testing.T) {
	r := NewLogRing(10)
	for i := 0; i < 5; i++ {
		r.Append(entry(i))
	}

	assert.Equal(t, 5, r.Len())

	tail := r.Tail(3)
	assert.Len(t, tail, 3)
	assert.Equal(t, "line 2", tail[0].Line)
	assert.Equal(t, "line 4", tail[2].Line)

	// Asking for more than retained returns everything.
	assert.Len(t, r.Tail(100), 5)
	assert.Len(t, r.Tail(0), 5)
}

func TestLogRingEvictsOldest(t *testing.T) {
	r := NewLogRing(4)
	for i := 0; i < 10; i++ {
		r.Append(entry(i))
	}

	assert.Equal(t, 4, r.Len())

	tail := r.Tail(0)
	assert.Equal(t, "line 6", tail[0].Line)
	assert.Equal(t, "line 9", tail[3].Line)
}

func TestLogRingDefaultLimit(t *testing.T) {
	r := NewLogRing(0)
	for i := 0; i < DefaultLogLimit+500; i++ {
		r.Append(entry(i))
	}
	assert.Equal(t, DefaultLogLimit, r.Len())

	tail := r.Tail(1)
	assert.Equal(t, fmt.Sprintf("line %d", DefaultLogLimit+499), tail[0].Line)
}
