package capacity

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttheew/symphony/pkg/types"
)

func TestTryReserveAllOrNothing(t *testing.T) {
	l := NewLedger()
	l.AddNode("n1", types.CapacityVector{"A": 10, "B": 2})

	// B is the limiting label; the reservation must not touch A either.
	err := l.TryReserve("n1", types.CapacityVector{"A": 3, "B": 5})
	require.ErrorIs(t, err, ErrInsufficient)

	avail, err := l.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["A"])
	assert.Equal(t, int64(2), avail["B"])
}

func TestTryReserveUndeclaredLabel(t *testing.T) {
	l := NewLedger()
	l.AddNode("n1", types.CapacityVector{"A": 10})

	err := l.TryReserve("n1", types.CapacityVector{"gpu": 1})
	assert.ErrorIs(t, err, ErrInsufficient)
}

func TestReserveRelease(t *testing.T) {
	l := NewLedger()
	l.AddNode("n1", types.CapacityVector{"A": 10})

	require.NoError(t, l.TryReserve("n1", types.CapacityVector{"A": 3}))
	avail, _ := l.Available("n1")
	assert.Equal(t, int64(7), avail["A"])

	l.Release("n1", types.CapacityVector{"A": 3})
	avail, _ = l.Available("n1")
	assert.Equal(t, int64(10), avail["A"])
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	l := NewLedger()
	l.AddNode("n1", types.CapacityVector{"A": 10})

	l.Release("n1", types.CapacityVector{"A": 5})
	avail, err := l.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["A"])
}

func TestUnknownNode(t *testing.T) {
	l := NewLedger()
	err := l.TryReserve("ghost", types.CapacityVector{"A": 1})
	assert.True(t, errors.Is(err, ErrUnknownNode))

	_, err = l.Available("ghost")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestRemoveNodeDropsReservations(t *testing.T) {
	l := NewLedger()
	l.AddNode("n1", types.CapacityVector{"A": 10})
	require.NoError(t, l.TryReserve("n1", types.CapacityVector{"A": 4}))

	l.RemoveNode("n1")
	_, err := l.Available("n1")
	assert.ErrorIs(t, err, ErrUnknownNode)

	// Re-adding starts from a clean slate.
	l.AddNode("n1", types.CapacityVector{"A": 10})
	avail, _ := l.Available("n1")
	assert.Equal(t, int64(10), avail["A"])
}

// TestAddNodeKeepsReservationsOnReconnect covers a node session that drops
// and comes back before its loss is acted on: the fresh handshake must not
// wipe reservations the conductor still accounts for.
func TestAddNodeKeepsReservationsOnReconnect(t *testing.T) {
	l := NewLedger()
	l.AddNode("n1", types.CapacityVector{"A": 10})
	require.NoError(t, l.TryReserve("n1", types.CapacityVector{"A": 4}))

	l.AddNode("n1", types.CapacityVector{"A": 12})

	avail, err := l.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), avail["A"])

	reserved, err := l.Reserved("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), reserved["A"])
}

// TestConcurrentReserveRelease hammers one node from many goroutines and
// checks the non-negativity invariant: every entry stays in [0, total].
func TestConcurrentReserveRelease(t *testing.T) {
	const (
		workers = 16
		rounds  = 500
		total   = 20
	)

	l := NewLedger()
	l.AddNode("n1", types.CapacityVector{"A": total, "B": total})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				req := types.CapacityVector{
					"A": int64(1 + rng.Intn(4)),
					"B": int64(1 + rng.Intn(4)),
				}
				if err := l.TryReserve("n1", req); err == nil {
					l.Release("n1", req)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	avail, err := l.Available("n1")
	require.NoError(t, err)
	for _, label := range []string{"A", "B"} {
		assert.GreaterOrEqual(t, avail[label], int64(0))
		assert.LessOrEqual(t, avail[label], int64(total))
	}
	// Every reservation was paired with a release.
	assert.Equal(t, int64(total), avail["A"])
	assert.Equal(t, int64(total), avail["B"])
}
