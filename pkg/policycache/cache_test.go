package policycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/pkg/models"
)

func snapshotFor(tenant, id string) *models.PolicySnapshot {
	return &models.PolicySnapshot{TenantID: tenant, SnapshotID: id}
}

func TestGetFreshServedWithoutFetch(t *testing.T) {
	var calls int32
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		atomic.AddInt32(&calls, 1)
		return snapshotFor(tenantID, "snap-1"), nil
	}), WithClock(clock))

	snap, stale, err := c.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if stale || snap.SnapshotID != "snap-1" {
		t.Fatalf("unexpected result: stale=%v snap=%+v", stale, snap)
	}

	// Within the fresh window the second Get must not hit the fetcher.
	now = now.Add(30 * time.Second)
	if _, _, err := c.Get(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestGetRefreshesAfterFreshWindow(t *testing.T) {
	var calls int32
	now := time.Now().UTC()
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return snapshotFor(tenantID, "snap-1"), nil
		}
		return snapshotFor(tenantID, "snap-2"), nil
	}), WithClock(func() time.Time { return now }))

	if _, _, err := c.Get(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	now = now.Add(61 * time.Second)
	snap, stale, err := c.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if stale || snap.SnapshotID != "snap-2" {
		t.Fatalf("expected refreshed snapshot, got stale=%v %+v", stale, snap)
	}
}

func TestGetServesStaleOnRefreshFailure(t *testing.T) {
	var calls int32
	now := time.Now().UTC()
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return snapshotFor(tenantID, "snap-1"), nil
		}
		return nil, errors.New("policy service down")
	}), WithClock(func() time.Time { return now }))

	if _, _, err := c.Get(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	// Aged past fresh but under the 5 minute ceiling: serve stale.
	now = now.Add(2 * time.Minute)
	snap, stale, err := c.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !stale || snap.SnapshotID != "snap-1" {
		t.Fatalf("expected stale snap-1, got stale=%v %+v", stale, snap)
	}

	// Past the ceiling: hard failure.
	now = now.Add(4 * time.Minute)
	if _, _, err := c.Get(context.Background(), "tenant-a"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %+v", err)
	}
}

func TestGetUnavailableWithNoEntry(t *testing.T) {
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		return nil, errors.New("policy service down")
	}))
	if _, _, err := c.Get(context.Background(), "tenant-a"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %+v", err)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var calls int32
	now := time.Now().UTC()
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		n := atomic.AddInt32(&calls, 1)
		return snapshotFor(tenantID, "snap-"+string(rune('0'+n))), nil
	}), WithClock(func() time.Time { return now }))

	if _, _, err := c.Get(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	c.Invalidate("tenant-a")
	snap, stale, err := c.Get(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if stale || snap.SnapshotID != "snap-2" {
		t.Fatalf("expected forced refresh despite fresh age, got %+v", snap)
	}
}

func TestSingleFlightDeduplicatesRefresh(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return snapshotFor(tenantID, "snap-1"), nil
	}), WithRefreshTimeout(5*time.Second))

	const workers = 8
	var wg sync.WaitGroup
	results := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, _, err := c.Get(context.Background(), "tenant-a")
			if err == nil {
				results[i] = snap.SnapshotID
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single deduplicated fetch, got %d", got)
	}
	for i, id := range results {
		if id != "snap-1" {
			t.Fatalf("worker %d observed divergent snapshot %q", i, id)
		}
	}
}

func TestRefreshReturnsNewSnapshot(t *testing.T) {
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		return snapshotFor(tenantID, "snap-9"), nil
	}))
	snap, err := c.Refresh(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if snap.SnapshotID != "snap-9" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestGetHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := New(FetcherFunc(func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
		<-release
		return nil, errors.New("slow")
	}), WithRefreshTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := c.Get(ctx, "tenant-a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %+v", err)
	}
}
