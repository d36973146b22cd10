package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ehosp/pkg/accounts"
	"github.com/go-go-golems/ehosp/pkg/catalog"
	"github.com/go-go-golems/ehosp/pkg/persistence/accountstore"
)

type staticPlans struct {
	cat   *catalog.Catalog
	plans map[string]string
}

func (s staticPlans) ResolvePlan(_ context.Context, email string) (*catalog.Plan, error) {
	return s.cat.PlanOrDefault(s.plans[email]), nil
}

func newController(t *testing.T, clock *fakeClock, plans map[string]string) (*Controller, *accountstore.MemoryStore) {
	t.Helper()
	store := accountstore.NewMemoryStore()
	c, err := NewController(staticPlans{cat: catalog.MustDefault(), plans: plans}, store,
		WithClock(clock.Now),
		WithRateWindow(NewRateWindow(15, time.Minute, clock.Now)),
	)
	require.NoError(t, err)
	return c, store
}

func TestController_FreeTierSixthCallExceedsQuota(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	c, _ := newController(t, clock, nil)
	ctx := context.Background()

	q, err := c.CheckQuota(ctx, "free@example.com")
	require.NoError(t, err)
	require.True(t, q.Allowed)
	require.Equal(t, 5, q.Remaining)
	require.Equal(t, 5, q.Limit)

	for i := 0; i < 5; i++ {
		r, err := c.Reserve(ctx, "free@example.com")
		require.NoError(t, err)
		q, err = r.Commit(ctx)
		require.NoError(t, err)
		require.Equal(t, 4-i, q.Remaining)
		require.Equal(t, q.Limit-i-1, q.Remaining)
	}

	_, err = c.Reserve(ctx, "free@example.com")
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, 0, qe.Quota.Remaining)
	require.Equal(t, 5, qe.Quota.Limit)
	require.False(t, qe.Quota.Allowed)

	q, err = c.CheckQuota(ctx, "free@example.com")
	require.NoError(t, err)
	require.False(t, q.Allowed)
	require.Equal(t, 0, q.Remaining)
}

func TestController_QuotaRefillsOnNextUTCDay(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)}
	c, store := newController(t, clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.RecordUsage(ctx, "free@example.com"))
	}
	q, err := c.CheckQuota(ctx, "free@example.com")
	require.NoError(t, err)
	require.False(t, q.Allowed)
	require.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), c.ResetTime())

	clock.Advance(2 * time.Minute)
	q, err = c.CheckQuota(ctx, "free@example.com")
	require.NoError(t, err)
	require.True(t, q.Allowed)
	require.Equal(t, 5, q.Remaining)

	n, err := store.UsageCount(ctx, "free@example.com", "2025-03-01")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestController_ReleaseDoesNotRecordUsage(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c, store := newController(t, clock, nil)
	ctx := context.Background()

	r, err := c.Reserve(ctx, "free@example.com")
	require.NoError(t, err)
	r.Release()
	r.Release()
	_, err = r.Commit(ctx)
	require.Error(t, err)

	n, err := store.UsageCount(ctx, "free@example.com", c.Today())
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, c.slots)
}

func TestController_ConcurrentReservationsNeverExceedLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c, store := newController(t, clock, nil)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Reserve(ctx, "race@example.com")
			if err != nil {
				rejected.Add(1)
				return
			}
			admitted.Add(1)
			_, err = r.Commit(ctx)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(5), admitted.Load())
	require.Equal(t, int32(15), rejected.Load())
	n, err := store.UsageCount(ctx, "race@example.com", c.Today())
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestController_AdminIsUnbounded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c, _ := newController(t, clock, map[string]string{"boss@example.com": "admin"})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r, err := c.Reserve(ctx, "boss@example.com")
		require.NoError(t, err)
		q, err := r.Commit(ctx)
		require.NoError(t, err)
		require.True(t, q.Allowed)
		require.True(t, q.Unbounded)
	}
}

func TestController_GlobalRateIsSharedAcrossAccounts(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c, _ := newController(t, clock, nil)

	for i := 0; i < 15; i++ {
		require.True(t, c.CheckGlobalRate())
	}
	require.False(t, c.CheckGlobalRate())
	clock.Advance(time.Minute + time.Second)
	require.True(t, c.CheckGlobalRate())
}

func TestController_RequiresEmail(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c, _ := newController(t, clock, nil)
	_, err := c.Reserve(context.Background(), "")
	require.Error(t, err)
	require.Error(t, c.RecordUsage(context.Background(), " "))

	_, err = NewController(nil, accountstore.NewMemoryStore())
	require.Error(t, err)
	var usage accounts.UsageStore
	_, err = NewController(staticPlans{cat: catalog.MustDefault()}, usage)
	require.Error(t, err)
}
