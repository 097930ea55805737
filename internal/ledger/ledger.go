/**
 * @description
 * The pocket allocation ledger: the single authoritative source of truth for
 * which pockets of an orchard are free, reserved, or filled. Every mutation
 * goes through Reserve/Commit/Release; no other component may set pocket
 * state. Reservations are all-or-nothing and carry a TTL so an abandoned
 * payment attempt cannot starve the pocket supply.
 *
 * Concurrency: state is partitioned per orchard and each orchard's book has
 * its own mutex, so bestowers contending on one orchard serialize against
 * each other while unrelated orchards never contend. Snapshots copy state
 * under the same lock, so a reader can never observe a torn combination such
 * as one pocket with two owners.
 */

package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PocketState is the allocation state of a single pocket number.
type PocketState string

const (
	PocketFree     PocketState = "free"
	PocketReserved PocketState = "reserved"
	PocketFilled   PocketState = "filled"
)

var (
	ErrUnknownOrchard     = errors.New("orchard is not registered in the ledger")
	ErrInvalidSelection   = errors.New("invalid pocket selection")
	ErrReservationExpired = errors.New("reservation has expired")
	ErrUnknownReservation = errors.New("unknown or already resolved reservation")
)

// PocketUnavailableError reports a reserve conflict. It lists exactly the
// requested numbers that were not free; the caller is expected to retry with
// a different selection.
type PocketUnavailableError struct {
	Conflicts []int
}

func (e *PocketUnavailableError) Error() string {
	return fmt.Sprintf("pockets unavailable: %v", e.Conflicts)
}

// Clock supplies the ledger's notion of now. Injectable for deterministic
// expiry testing.
type Clock func() time.Time

type reservationState int

const (
	reservationActive reservationState = iota
	reservationCommitted
	reservationReleased
)

type reservation struct {
	token      uuid.UUID
	bestowerID uuid.UUID
	numbers    []int
	expiresAt  time.Time
	state      reservationState
}

type pocketEntry struct {
	state      PocketState
	ownerID    uuid.UUID
	filledAt   time.Time
	reservedBy uuid.UUID // token holding the pocket while reserved
}

// orchardBook holds the pocket table for one orchard. Only reserved and
// filled pockets are materialized; everything else in [1, totalPockets] is
// implicitly free.
type orchardBook struct {
	mu           sync.Mutex
	totalPockets int
	pockets      map[int]*pocketEntry
	reservations map[uuid.UUID]*reservation
	filledCount  int
}

// Ledger is the allocation engine over all registered orchards.
type Ledger struct {
	mu     sync.RWMutex
	books  map[uuid.UUID]*orchardBook
	tokens map[uuid.UUID]uuid.UUID // reservation token -> orchard id
	now    Clock
}

// NewLedger creates an empty ledger. A nil clock defaults to time.Now.
func NewLedger(now Clock) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		books:  make(map[uuid.UUID]*orchardBook),
		tokens: make(map[uuid.UUID]uuid.UUID),
		now:    now,
	}
}

// Register adds an orchard with the given pocket count and all pockets free.
// Registering an already-known orchard is a no-op.
func (l *Ledger) Register(orchardID uuid.UUID, totalPockets int) error {
	if totalPockets <= 0 {
		return fmt.Errorf("%w: total pockets must be positive", ErrInvalidSelection)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.books[orchardID]; ok {
		return nil
	}
	l.books[orchardID] = &orchardBook{
		totalPockets: totalPockets,
		pockets:      make(map[int]*pocketEntry),
		reservations: make(map[uuid.UUID]*reservation),
	}
	return nil
}

// FilledPocket seeds a pocket as filled during rehydration from the durable
// store.
type FilledPocket struct {
	Number   int
	OwnerID  uuid.UUID
	FilledAt time.Time
}

// Restore registers an orchard and replays its filled pockets. Used at boot;
// reservations are deliberately not restored, their bestowals are expired by
// the workflow instead.
func (l *Ledger) Restore(orchardID uuid.UUID, totalPockets int, filled []FilledPocket) error {
	if err := l.Register(orchardID, totalPockets); err != nil {
		return err
	}
	book, err := l.book(orchardID)
	if err != nil {
		return err
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	for _, f := range filled {
		if f.Number < 1 || f.Number > book.totalPockets {
			return fmt.Errorf("%w: pocket %d out of range", ErrInvalidSelection, f.Number)
		}
		if _, taken := book.pockets[f.Number]; taken {
			continue
		}
		book.pockets[f.Number] = &pocketEntry{
			state:    PocketFilled,
			ownerID:  f.OwnerID,
			filledAt: f.FilledAt,
		}
		book.filledCount++
	}
	return nil
}

func (l *Ledger) book(orchardID uuid.UUID) (*orchardBook, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	book, ok := l.books[orchardID]
	if !ok {
		return nil, ErrUnknownOrchard
	}
	return book, nil
}

func validateSelection(numbers []int, totalPockets int) error {
	if len(numbers) == 0 {
		return fmt.Errorf("%w: selection is empty", ErrInvalidSelection)
	}
	seen := make(map[int]struct{}, len(numbers))
	for _, n := range numbers {
		if n < 1 || n > totalPockets {
			return fmt.Errorf("%w: pocket %d out of range [1, %d]", ErrInvalidSelection, n, totalPockets)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%w: pocket %d requested twice", ErrInvalidSelection, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// releaseLocked returns a reservation's pockets to free. Caller holds book.mu.
func (book *orchardBook) releaseLocked(res *reservation) {
	for _, n := range res.numbers {
		entry, ok := book.pockets[n]
		if ok && entry.state == PocketReserved && entry.reservedBy == res.token {
			delete(book.pockets, n)
		}
	}
	res.state = reservationReleased
}

// Reserve atomically marks the requested pockets reserved for the bestower
// and returns a reservation token. If any requested pocket is not free the
// whole request fails with *PocketUnavailableError and nothing is reserved.
// A pocket held by an expired reservation counts as free; the stale
// reservation is released in the same critical section and reported back as
// reclaimed, since the periodic sweep will never see it. The caller must
// resolve the bestowals tied to reclaimed reservations.
func (l *Ledger) Reserve(orchardID uuid.UUID, numbers []int, bestowerID uuid.UUID, ttl time.Duration) (uuid.UUID, []ExpiredReservation, error) {
	book, err := l.book(orchardID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if err := validateSelection(numbers, book.totalPockets); err != nil {
		return uuid.Nil, nil, err
	}

	now := l.now()

	book.mu.Lock()
	defer book.mu.Unlock()

	var conflicts []int
	var stale []*reservation
	for _, n := range numbers {
		entry, taken := book.pockets[n]
		if !taken {
			continue
		}
		if entry.state == PocketReserved {
			if res, ok := book.reservations[entry.reservedBy]; ok && res.state == reservationActive && now.After(res.expiresAt) {
				stale = append(stale, res)
				continue
			}
		}
		conflicts = append(conflicts, n)
	}
	if len(conflicts) > 0 {
		sort.Ints(conflicts)
		return uuid.Nil, nil, &PocketUnavailableError{Conflicts: conflicts}
	}
	var reclaimed []ExpiredReservation
	for _, res := range stale {
		// A stale reservation spanning several requested pockets appears in
		// the list once per pocket; release and report it only once.
		if res.state != reservationActive {
			continue
		}
		book.releaseLocked(res)
		reclaimed = append(reclaimed, ExpiredReservation{
			Token:      res.token,
			OrchardID:  orchardID,
			BestowerID: res.bestowerID,
			Numbers:    append([]int(nil), res.numbers...),
		})
	}

	token := uuid.New()
	res := &reservation{
		token:      token,
		bestowerID: bestowerID,
		numbers:    append([]int(nil), numbers...),
		expiresAt:  now.Add(ttl),
		state:      reservationActive,
	}
	book.reservations[token] = res
	for _, n := range numbers {
		book.pockets[n] = &pocketEntry{
			state:      PocketReserved,
			ownerID:    bestowerID,
			reservedBy: token,
		}
	}

	l.mu.Lock()
	l.tokens[token] = orchardID
	l.mu.Unlock()

	return token, reclaimed, nil
}

// CommitResult describes the ledger state after a successful commit.
type CommitResult struct {
	OrchardID     uuid.UUID
	BestowerID    uuid.UUID
	PocketNumbers []int
	FilledAt      time.Time
	FilledPockets int
	TotalPockets  int
	Completed     bool
}

func (l *Ledger) resolveToken(token uuid.UUID) (*orchardBook, uuid.UUID, error) {
	l.mu.RLock()
	orchardID, ok := l.tokens[token]
	l.mu.RUnlock()
	if !ok {
		return nil, uuid.Nil, ErrUnknownReservation
	}
	book, err := l.book(orchardID)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return book, orchardID, nil
}

// Commit transitions every pocket under the token from reserved to filled and
// stamps filledAt. An elapsed TTL releases the pockets and reports
// ErrReservationExpired; a resolved or unknown token reports
// ErrUnknownReservation.
func (l *Ledger) Commit(token uuid.UUID) (*CommitResult, error) {
	book, orchardID, err := l.resolveToken(token)
	if err != nil {
		return nil, err
	}

	now := l.now()

	book.mu.Lock()
	defer book.mu.Unlock()

	res, ok := book.reservations[token]
	if !ok || res.state != reservationActive {
		return nil, ErrUnknownReservation
	}
	if now.After(res.expiresAt) {
		book.releaseLocked(res)
		return nil, ErrReservationExpired
	}

	for _, n := range res.numbers {
		entry := book.pockets[n]
		entry.state = PocketFilled
		entry.filledAt = now
		entry.reservedBy = uuid.Nil
	}
	res.state = reservationCommitted
	book.filledCount += len(res.numbers)

	return &CommitResult{
		OrchardID:     orchardID,
		BestowerID:    res.bestowerID,
		PocketNumbers: append([]int(nil), res.numbers...),
		FilledAt:      now,
		FilledPockets: book.filledCount,
		TotalPockets:  book.totalPockets,
		Completed:     book.filledCount == book.totalPockets,
	}, nil
}

// Release returns a reservation's pockets to free. Idempotent: releasing an
// unknown, already-released, or already-committed token is a no-op; committed
// pockets are never un-filled.
func (l *Ledger) Release(token uuid.UUID) {
	book, _, err := l.resolveToken(token)
	if err != nil {
		return
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	res, ok := book.reservations[token]
	if !ok || res.state != reservationActive {
		return
	}
	book.releaseLocked(res)
}

// Forget prunes the bookkeeping of a resolved reservation so tokens do not
// accumulate over the process lifetime. Callers invoke it once the outcome of
// the reservation is durably recorded. An active reservation or an unknown
// token is left alone.
func (l *Ledger) Forget(token uuid.UUID) {
	book, _, err := l.resolveToken(token)
	if err != nil {
		return
	}
	book.mu.Lock()
	res, ok := book.reservations[token]
	if !ok || res.state == reservationActive {
		book.mu.Unlock()
		return
	}
	delete(book.reservations, token)
	book.mu.Unlock()

	l.mu.Lock()
	delete(l.tokens, token)
	l.mu.Unlock()
}

// PocketView is one pocket's state in a snapshot.
type PocketView struct {
	Number   int         `json:"number"`
	State    PocketState `json:"state"`
	OwnerID  *uuid.UUID  `json:"owner_id,omitempty"`
	FilledAt *time.Time  `json:"filled_at,omitempty"`
}

// Snapshot is a consistent read-only view of one orchard's pocket table.
type Snapshot struct {
	OrchardID       uuid.UUID    `json:"orchard_id"`
	TotalPockets    int          `json:"total_pockets"`
	FilledPockets   int          `json:"filled_pockets"`
	ReservedPockets int          `json:"reserved_pockets"`
	FreePockets     int          `json:"free_pockets"`
	CompletionRate  float64      `json:"completion_rate"`
	Pockets         []PocketView `json:"pockets"`
}

// Snapshot copies the orchard's pocket states under its lock. Reservations
// whose TTL has elapsed are reported as free without being mutated; the
// sweep or the next reserve reclaims them.
func (l *Ledger) Snapshot(orchardID uuid.UUID) (*Snapshot, error) {
	book, err := l.book(orchardID)
	if err != nil {
		return nil, err
	}

	now := l.now()

	book.mu.Lock()
	defer book.mu.Unlock()

	snap := &Snapshot{
		OrchardID:    orchardID,
		TotalPockets: book.totalPockets,
		Pockets:      make([]PocketView, 0, book.totalPockets),
	}
	for n := 1; n <= book.totalPockets; n++ {
		view := PocketView{Number: n, State: PocketFree}
		if entry, ok := book.pockets[n]; ok {
			switch entry.state {
			case PocketFilled:
				owner := entry.ownerID
				filledAt := entry.filledAt
				view.State = PocketFilled
				view.OwnerID = &owner
				view.FilledAt = &filledAt
			case PocketReserved:
				res := book.reservations[entry.reservedBy]
				if res != nil && res.state == reservationActive && !now.After(res.expiresAt) {
					owner := entry.ownerID
					view.State = PocketReserved
					view.OwnerID = &owner
				}
			}
		}
		switch view.State {
		case PocketFilled:
			snap.FilledPockets++
		case PocketReserved:
			snap.ReservedPockets++
		default:
			snap.FreePockets++
		}
		snap.Pockets = append(snap.Pockets, view)
	}
	snap.CompletionRate = float64(snap.FilledPockets) / float64(snap.TotalPockets)
	return snap, nil
}

// ExpiredReservation identifies a reservation released by the expiry sweep or
// reclaimed lazily inside Reserve, so the workflow can expire its bestowal.
type ExpiredReservation struct {
	Token      uuid.UUID
	OrchardID  uuid.UUID
	BestowerID uuid.UUID
	Numbers    []int
}

// SweepExpired releases every reservation whose TTL has elapsed. Each
// orchard's sweep runs under that orchard's lock so it cannot race a
// concurrent commit.
func (l *Ledger) SweepExpired() []ExpiredReservation {
	l.mu.RLock()
	books := make(map[uuid.UUID]*orchardBook, len(l.books))
	for id, book := range l.books {
		books[id] = book
	}
	l.mu.RUnlock()

	now := l.now()

	var expired []ExpiredReservation
	for orchardID, book := range books {
		book.mu.Lock()
		for token, res := range book.reservations {
			if res.state == reservationActive && now.After(res.expiresAt) {
				book.releaseLocked(res)
				expired = append(expired, ExpiredReservation{
					Token:      token,
					OrchardID:  orchardID,
					BestowerID: res.bestowerID,
					Numbers:    append([]int(nil), res.numbers...),
				})
			}
		}
		book.mu.Unlock()
	}
	return expired
}
