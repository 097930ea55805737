package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLedger() (*Ledger, *manualClock) {
	clk := &manualClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return NewLedger(clk.Now), clk
}

func mustRegister(t *testing.T, l *Ledger, total int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := l.Register(id, total); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return id
}

func TestReserve_ValidatesSelection(t *testing.T) {
	l, _ := newTestLedger()
	orchard := mustRegister(t, l, 10)
	bestower := uuid.New()

	cases := [][]int{
		{},          // empty
		{0},         // below range
		{11},        // above range
		{3, 3},      // duplicate
		{1, 5, 5},   // duplicate among valid
		{-2, 4, 90}, // several violations
	}
	for _, numbers := range cases {
		if _, _, err := l.Reserve(orchard, numbers, bestower, time.Minute); !errors.Is(err, ErrInvalidSelection) {
			t.Fatalf("selection %v: expected ErrInvalidSelection, got %v", numbers, err)
		}
	}

	snap, err := l.Snapshot(orchard)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.FreePockets != 10 {
		t.Fatalf("rejected selections must not mutate state, free=%d", snap.FreePockets)
	}
}

func TestReserve_UnknownOrchard(t *testing.T) {
	l, _ := newTestLedger()
	if _, _, err := l.Reserve(uuid.New(), []int{1}, uuid.New(), time.Minute); !errors.Is(err, ErrUnknownOrchard) {
		t.Fatalf("expected ErrUnknownOrchard, got %v", err)
	}
}

func TestReserve_ConflictIsAllOrNothing(t *testing.T) {
	l, _ := newTestLedger()
	orchard := mustRegister(t, l, 20)
	first := uuid.New()
	second := uuid.New()

	// Fill pocket 7.
	token, _, err := l.Reserve(orchard, []int{7}, first, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := l.Commit(token); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	_, _, err = l.Reserve(orchard, []int{3, 7, 12}, second, time.Minute)
	var unavailable *PocketUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected PocketUnavailableError, got %v", err)
	}
	if len(unavailable.Conflicts) != 1 || unavailable.Conflicts[0] != 7 {
		t.Fatalf("expected conflicts [7], got %v", unavailable.Conflicts)
	}

	// Pockets 3 and 12 must still be free afterwards.
	snap, err := l.Snapshot(orchard)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	for _, n := range []int{3, 12} {
		if snap.Pockets[n-1].State != PocketFree {
			t.Fatalf("pocket %d should remain free after failed reserve, got %s", n, snap.Pockets[n-1].State)
		}
	}

	// Retrying with a recomputed selection is the expected recovery path.
	if _, _, err := l.Reserve(orchard, []int{3, 12}, second, time.Minute); err != nil {
		t.Fatalf("retry with adjusted selection failed: %v", err)
	}
}

func TestReserve_ConcurrentOverlap_ExactlyOneWins(t *testing.T) {
	l, _ := newTestLedger()
	orchard := mustRegister(t, l, 50)

	const attempts = 32
	overlap := []int{10, 11, 12}

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = l.Reserve(orchard, overlap, uuid.New(), time.Minute)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var unavailable *PocketUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("attempt %d: expected PocketUnavailableError, got %v", i, err)
		}
		if len(unavailable.Conflicts) != len(overlap) {
			t.Fatalf("attempt %d: expected conflicts %v, got %v", i, overlap, unavailable.Conflicts)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning reservation, got %d", winners)
	}

	snap, err := l.Snapshot(orchard)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.ReservedPockets != len(overlap) {
		t.Fatalf("expected %d reserved pockets, got %d", len(overlap), snap.ReservedPockets)
	}
}

func TestSnapshot_NeverShowsTwoOwners(t *testing.T) {
	l, _ := newTestLedger()
	orchard := mustRegister(t, l, 30)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writers reserve/release random-ish disjoint and overlapping sets.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			bestower := uuid.New()
			for j := 0; j < 200; j++ {
				n := (seed*7+j)%30 + 1
				token, _, err := l.Reserve(orchard, []int{n, (n % 30) + 1}, bestower, time.Minute)
				if err == nil {
					if j%2 == 0 {
						l.Release(token)
					}
				}
			}
		}(i)
	}

	// Reader validates snapshot consistency while writers run.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, err := l.Snapshot(orchard)
			if err != nil {
				t.Errorf("snapshot failed: %v", err)
				return
			}
			if snap.FilledPockets+snap.ReservedPockets+snap.FreePockets != snap.TotalPockets {
				t.Errorf("torn snapshot: %d+%d+%d != %d", snap.FilledPockets, snap.ReservedPockets, snap.FreePockets, snap.TotalPockets)
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestCommit_FillsAndDerivesCompletion(t *testing.T) {
	l, clk := newTestLedger()
	orchard := mustRegister(t, l, 10)

	// Fill 8 pockets up front.
	warm := uuid.New()
	token, _, err := l.Reserve(orchard, []int{1, 2, 3, 4, 7, 8, 9, 10}, warm, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := l.Commit(token); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	bestower := uuid.New()
	token, _, err = l.Reserve(orchard, []int{5, 6}, bestower, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	result, err := l.Commit(token)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.FilledPockets != 10 || !result.Completed {
		t.Fatalf("expected completed orchard with 10 filled, got %+v", result)
	}
	if !result.FilledAt.Equal(clk.Now()) {
		t.Fatalf("expected filledAt stamped from clock, got %v", result.FilledAt)
	}

	snap, err := l.Snapshot(orchard)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.FilledPockets != 10 || snap.CompletionRate != 1.0 {
		t.Fatalf("expected 100%% completion, got %d filled rate %f", snap.FilledPockets, snap.CompletionRate)
	}
	for _, view := range snap.Pockets {
		if view.State != PocketFilled || view.OwnerID == nil {
			t.Fatalf("pocket %d should be filled with an owner, got %+v", view.Number, view)
		}
	}
}

func TestCommit_ExpiredReservation(t *testing.T) {
	l, clk := newTestLedger()
	orchard := mustRegister(t, l, 10)
	first := uuid.New()

	token, _, err := l.Reserve(orchard, []int{4, 5}, first, 30*time.Second)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	clk.Advance(31 * time.Second)

	if _, err := l.Commit(token); !errors.Is(err, ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}

	// Pockets are free again and reservable by a different bestower.
	second := uuid.New()
	token2, _, err := l.Reserve(orchard, []int{4, 5}, second, time.Minute)
	if err != nil {
		t.Fatalf("re-reserve after expiry failed: %v", err)
	}
	if _, err := l.Commit(token2); err != nil {
		t.Fatalf("commit after expiry takeover failed: %v", err)
	}
}

func TestReserve_ReclaimsExpiredReservationLazily(t *testing.T) {
	l, clk := newTestLedger()
	orchard := mustRegister(t, l, 10)
	stale := uuid.New()

	staleToken, _, err := l.Reserve(orchard, []int{2, 3}, stale, 30*time.Second)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	clk.Advance(time.Minute)

	// No sweep has run; reserve must still treat the stale pockets as free
	// and report the displaced reservation exactly once.
	_, reclaimed, err := l.Reserve(orchard, []int{2, 3}, uuid.New(), time.Minute)
	if err != nil {
		t.Fatalf("expected stale reservation to be reclaimed, got %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected one reclaimed reservation, got %d", len(reclaimed))
	}
	if reclaimed[0].Token != staleToken || reclaimed[0].BestowerID != stale {
		t.Fatalf("unexpected reclaimed reservation: %+v", reclaimed[0])
	}
	if len(reclaimed[0].Numbers) != 2 {
		t.Fatalf("expected pockets [2 3] in reclaim result, got %v", reclaimed[0].Numbers)
	}

	// The reclaimed reservation is already gone; the sweep finds nothing.
	if swept := l.SweepExpired(); len(swept) != 0 {
		t.Fatalf("expected nothing left for the sweep, got %d", len(swept))
	}
}

func TestForget_PrunesResolvedReservations(t *testing.T) {
	l, _ := newTestLedger()
	orchard := mustRegister(t, l, 10)
	bestower := uuid.New()

	committed, _, err := l.Reserve(orchard, []int{1}, bestower, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := l.Commit(committed); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	released, _, err := l.Reserve(orchard, []int{2}, bestower, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	l.Release(released)
	active, _, err := l.Reserve(orchard, []int{3}, bestower, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	l.Forget(committed)
	l.Forget(released)
	l.Forget(active)     // active reservations must survive
	l.Forget(uuid.New()) // unknown token is a no-op

	l.mu.RLock()
	book := l.books[orchard]
	_, committedKept := l.tokens[committed]
	_, releasedKept := l.tokens[released]
	_, activeKept := l.tokens[active]
	l.mu.RUnlock()
	if committedKept || releasedKept {
		t.Fatal("resolved tokens must be pruned")
	}
	if !activeKept {
		t.Fatal("active token must not be pruned")
	}

	book.mu.Lock()
	remaining := len(book.reservations)
	book.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("expected only the active reservation retained, got %d", remaining)
	}

	// Forgetting never disturbs pocket state, and the surviving reservation
	// still commits.
	snap, _ := l.Snapshot(orchard)
	if snap.FilledPockets != 1 || snap.ReservedPockets != 1 {
		t.Fatalf("unexpected pocket state after forget: %d filled, %d reserved", snap.FilledPockets, snap.ReservedPockets)
	}
	if _, err := l.Commit(active); err != nil {
		t.Fatalf("commit after forgetting other tokens failed: %v", err)
	}
}

func TestRelease_IsIdempotentAndNeverUnfills(t *testing.T) {
	l, _ := newTestLedger()
	orchard := mustRegister(t, l, 10)
	bestower := uuid.New()

	token, _, err := l.Reserve(orchard, []int{1, 2}, bestower, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	l.Release(token)
	l.Release(token) // second release is a no-op

	snap, _ := l.Snapshot(orchard)
	if snap.FreePockets != 10 {
		t.Fatalf("expected all pockets free after release, got %d", snap.FreePockets)
	}

	// Commit after release reports an unknown reservation.
	if _, err := l.Commit(token); !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}

	// Releasing a committed token never un-fills pockets.
	token, _, err = l.Reserve(orchard, []int{5}, bestower, time.Minute)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := l.Commit(token); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	l.Release(token)
	snap, _ = l.Snapshot(orchard)
	if snap.Pockets[4].State != PocketFilled {
		t.Fatalf("release must not un-fill a committed pocket, got %s", snap.Pockets[4].State)
	}
}

func TestCommit_UnknownToken(t *testing.T) {
	l, _ := newTestLedger()
	mustRegister(t, l, 5)
	if _, err := l.Commit(uuid.New()); !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestSweepExpired_ReleasesOnlyElapsed(t *testing.T) {
	l, clk := newTestLedger()
	orchard := mustRegister(t, l, 10)
	slow := uuid.New()
	fast := uuid.New()

	slowToken, _, err := l.Reserve(orchard, []int{1, 2}, slow, 30*time.Second)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, _, err := l.Reserve(orchard, []int{3}, fast, 10*time.Minute); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	clk.Advance(time.Minute)
	expired := l.SweepExpired()
	if len(expired) != 1 {
		t.Fatalf("expected one expired reservation, got %d", len(expired))
	}
	if expired[0].Token != slowToken || expired[0].BestowerID != slow {
		t.Fatalf("unexpected expired reservation: %+v", expired[0])
	}
	if len(expired[0].Numbers) != 2 {
		t.Fatalf("expected pockets [1 2] in sweep result, got %v", expired[0].Numbers)
	}

	snap, _ := l.Snapshot(orchard)
	if snap.ReservedPockets != 1 || snap.FreePockets != 9 {
		t.Fatalf("expected 1 reserved / 9 free after sweep, got %d/%d", snap.ReservedPockets, snap.FreePockets)
	}

	// Sweeping again finds nothing.
	if again := l.SweepExpired(); len(again) != 0 {
		t.Fatalf("expected idempotent sweep, got %d", len(again))
	}
}

func TestRestore_ReplaysFilledPockets(t *testing.T) {
	l, clk := newTestLedger()
	orchard := uuid.New()
	owner := uuid.New()
	filledAt := clk.Now().Add(-48 * time.Hour)

	err := l.Restore(orchard, 10, []FilledPocket{
		{Number: 1, OwnerID: owner, FilledAt: filledAt},
		{Number: 9, OwnerID: owner, FilledAt: filledAt},
	})
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	snap, err := l.Snapshot(orchard)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.FilledPockets != 2 {
		t.Fatalf("expected 2 filled pockets after restore, got %d", snap.FilledPockets)
	}
	if snap.Pockets[0].FilledAt == nil || !snap.Pockets[0].FilledAt.Equal(filledAt) {
		t.Fatalf("expected restored filledAt, got %+v", snap.Pockets[0])
	}

	// Restored pockets are taken.
	if _, _, err := l.Reserve(orchard, []int{9}, uuid.New(), time.Minute); err == nil {
		t.Fatal("expected conflict reserving a restored pocket")
	}
}
