package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corraldb/corral/pkg/errors"
	"github.com/corraldb/corral/pkg/models"
)

func newSession(id string) models.Session {
	return models.Session{
		ID:        id,
		UserID:    "alice",
		Role:      models.RoleSandbox,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestTracker_RegisterAndLookup(t *testing.T) {
	tr := NewTracker(3, 10)

	registered := tr.Register(newSession(""))
	require.NotEmpty(t, registered.ID, "empty ID gets a generated UUID")

	got, err := tr.Lookup(registered.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	_, err = tr.Lookup("missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestTracker_ConcurrencyCap(t *testing.T) {
	tr := NewTracker(2, 10)
	tr.Register(newSession("s1"))

	p1, err := tr.TryEnter("s1")
	require.NoError(t, err)
	p2, err := tr.TryEnter("s1")
	require.NoError(t, err)

	_, err = tr.TryEnter("s1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeTooManyConcurrent))

	p1.Release()
	p3, err := tr.TryEnter("s1")
	require.NoError(t, err, "released slot is reusable")

	p2.Release()
	p3.Release()
	assert.Equal(t, 0, tr.InFlight("s1"))
}

func TestTracker_PermitReleaseIsIdempotent(t *testing.T) {
	tr := NewTracker(1, 10)
	tr.Register(newSession("s1"))

	p, err := tr.TryEnter("s1")
	require.NoError(t, err)
	p.Release()
	p.Release()
	p.Release()

	assert.Equal(t, 0, tr.InFlight("s1"), "double release must not underflow")
}

func TestTracker_CapUnderContention(t *testing.T) {
	const limit = 3
	tr := NewTracker(limit, 10)
	tr.Register(newSession("s1"))

	var mu sync.Mutex
	var permits []*Permit
	rejected := 0

	// Permits are held until every goroutine has attempted, so the number of
	// grants can never exceed the cap.
	var wg sync.WaitGroup
	for i := 0; i < limit+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := tr.TryEnter("s1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			permits = append(permits, permit)
		}()
	}
	wg.Wait()

	assert.Len(t, permits, limit)
	assert.Equal(t, 5, rejected, "every request over the cap fails fast")

	for _, p := range permits {
		p.Release()
	}
	assert.Equal(t, 0, tr.InFlight("s1"))
}

func TestTracker_ExpiredSessionRejectsQueries(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(3, 10, WithClock(func() time.Time { return clock() }))

	s := newSession("s1")
	s.ExpiresAt = now.Add(time.Minute)
	tr.Register(s)

	now = now.Add(2 * time.Minute)
	_, err := tr.TryEnter("s1")
	assert.True(t, errors.HasCode(err, errors.CodeSessionExpired))
}

func TestTracker_Extend(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(3, 10, WithClock(func() time.Time { return clock() }))

	s := newSession("s1")
	s.ExpiresAt = now.Add(time.Minute)
	tr.Register(s)

	require.NoError(t, tr.Extend("s1", now.Add(time.Hour)))

	now = now.Add(30 * time.Minute)
	_, err := tr.TryEnter("s1")
	assert.NoError(t, err)

	// Extending backwards never shortens the session.
	require.NoError(t, tr.Extend("s1", now.Add(-time.Hour)))
	got, err := tr.Lookup("s1")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.After(now))
}

func TestTracker_HistoryRing(t *testing.T) {
	tr := NewTracker(3, 3)
	tr.Register(newSession("s1"))

	for i := 1; i <= 5; i++ {
		tr.RecordHistory("s1", models.QueryHistoryRecord{
			Statement: fmt.Sprintf("SELECT %d", i),
			Success:   true,
			Timestamp: time.Now(),
		})
	}

	records, err := tr.History("s1", 0)
	require.NoError(t, err)
	require.Len(t, records, 3, "ring capacity bounds history")

	// Most recent first; the two oldest entries were evicted.
	assert.Equal(t, "SELECT 5", records[0].Statement)
	assert.Equal(t, "SELECT 4", records[1].Statement)
	assert.Equal(t, "SELECT 3", records[2].Statement)

	limited, err := tr.History("s1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "SELECT 5", limited[0].Statement)
}

func TestTracker_HistoryUnknownSessionIsSafe(t *testing.T) {
	tr := NewTracker(3, 3)
	tr.RecordHistory("ghost", models.QueryHistoryRecord{Statement: "SELECT 1"})

	_, err := tr.History("ghost", 10)
	assert.True(t, errors.IsNotFound(err))
}

func TestTracker_ExpireStale(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(3, 10, WithClock(func() time.Time { return clock() }))

	s1 := newSession("s1")
	s1.ExpiresAt = now.Add(time.Minute)
	tr.Register(s1)
	s2 := newSession("s2")
	s2.ExpiresAt = now.Add(time.Hour)
	tr.Register(s2)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, tr.ExpireStale())
	assert.Equal(t, 1, tr.ActiveCount())

	_, err := tr.Lookup("s1")
	assert.True(t, errors.IsNotFound(err))
}
