/**
 * @description
 * This file contains the core business logic for the orchard-service. The
 * Service struct orchestrates orchard creation, pocket reservation, payment
 * confirmation, and reservation expiry across the allocation ledger, the
 * durable store, the payment gateway, and the event producer.
 *
 * Key workflows:
 * - Orchard creation: compute the frozen financial breakdown, derive the
 *   pocket count, persist the record, register it with the ledger.
 * - Reservation: rate limit, gate on orchard status, reserve pockets
 *   atomically, persist a pending bestowal, then ask the gateway for a
 *   charge. Any persistence failure after the reservation compensates by
 *   releasing it; a reservation must never outlive its bestowal record.
 * - Resolution: exactly one terminal outcome per bestowal. Success commits
 *   the reservation and writes the filled pockets; explicit declines release
 *   immediately; ambiguous gateway failures wait out the TTL.
 *
 * @dependencies
 * - internal/ledger: the in-memory allocation authority.
 * - internal/store: durable orchard/bestowal/pocket records.
 * - pkg/paymentgateway: charge creation against the external gateway.
 * - pkg/rabbitmq: lifecycle event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sow2grow/orchard-service/internal/analytics"
	"github.com/sow2grow/orchard-service/internal/domain"
	"github.com/sow2grow/orchard-service/internal/ledger"
	"github.com/sow2grow/orchard-service/internal/store"
	"github.com/sow2grow/orchard-service/pkg/paymentgateway"
	"github.com/sow2grow/orchard-service/pkg/rabbitmq"
)

var (
	// ErrInvalidRequest rejects structurally invalid input before any state is
	// touched.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOrchardNotActive is returned when a reservation targets a paused,
	// cancelled, or completed orchard.
	ErrOrchardNotActive = errors.New("orchard is not accepting bestowals")
	// ErrPaymentDeclined is returned when the gateway definitively refuses the
	// charge; the reservation has already been released.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrNotOwner is returned when a caller attempts a lifecycle change on an
	// orchard they do not own.
	ErrNotOwner = errors.New("caller does not own this orchard")
	// ErrInvalidStatusChange rejects lifecycle transitions the status machine
	// does not permit (completed is terminal, resume requires paused, etc).
	ErrInvalidStatusChange = errors.New("invalid orchard status change")
)

// RateLimitedError reports that the per-bestower reservation limit was hit.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// Routing keys for lifecycle events on the orchard.events exchange.
const (
	EventBestowalReserved  = "bestowal.reserved"
	EventBestowalConfirmed = "bestowal.confirmed"
	EventBestowalFailed    = "bestowal.failed"
	EventBestowalExpired   = "bestowal.expired"
	EventOrchardCompleted  = "orchard.completed"
)

// BestowalEventPayload is the broker payload for bestowal lifecycle events.
type BestowalEventPayload struct {
	BestowalID    uuid.UUID             `json:"bestowal_id"`
	OrchardID     uuid.UUID             `json:"orchard_id"`
	BestowerID    uuid.UUID             `json:"bestower_id"`
	PocketNumbers []int                 `json:"pocket_numbers"`
	TotalAmount   int64                 `json:"total_amount"` // in cents
	Status        domain.BestowalStatus `json:"status"`
	Reason        string                `json:"reason,omitempty"`
}

// OrchardCompletedPayload is published exactly once when the last pocket of
// an orchard fills.
type OrchardCompletedPayload struct {
	OrchardID      uuid.UUID `json:"orchard_id"`
	GrowerID       uuid.UUID `json:"grower_id"`
	Title          string    `json:"title"`
	FinalSeedValue int64     `json:"final_seed_value"` // in cents
	TotalPockets   int       `json:"total_pockets"`
	CompletedAt    time.Time `json:"completed_at"`
}

// PaymentGateway is the subset of the gateway client the workflow needs.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, req paymentgateway.ChargeRequest) (*paymentgateway.ChargeResponse, error)
}

// RateLimiter is a distributed fixed-window counter. A nil limiter disables
// rate limiting entirely.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// FundingPolicy carries the platform-wide money and expiry configuration
// frozen onto each orchard at creation time.
type FundingPolicy struct {
	TitheBps           int64
	ProcessingFeeBps   int64
	DefaultPocketPrice int64 // in cents
	Currency           string
	ReservationTTL     time.Duration
}

// Service provides methods for the core orchard funding workflows.
type Service struct {
	repo    store.Repository
	ledger  *ledger.Ledger
	gateway PaymentGateway
	events  rabbitmq.Publisher
	policy  FundingPolicy
	now     func() time.Time

	rateLimiter   RateLimiter
	reserveLimit  int
	snapshotLimit int
	rateWindow    time.Duration
}

// NewService creates a new application service. A nil clock defaults to
// time.Now; it is injectable so expiry behavior is testable.
func NewService(repo store.Repository, ldg *ledger.Ledger, gateway PaymentGateway, events rabbitmq.Publisher, policy FundingPolicy, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if policy.Currency == "" {
		policy.Currency = "USD"
	}
	if policy.ReservationTTL <= 0 {
		policy.ReservationTTL = 5 * time.Minute
	}
	return &Service{
		repo:    repo,
		ledger:  ldg,
		gateway: gateway,
		events:  events,
		policy:  policy,
		now:     now,
	}
}

// ConfigureRateLimiting attaches a limiter for the public reserve and
// snapshot endpoints. A nil limiter or non-positive limit disables the
// corresponding check.
func (s *Service) ConfigureRateLimiting(limiter RateLimiter, reserveLimit, snapshotLimit int, window time.Duration) {
	s.rateLimiter = limiter
	s.reserveLimit = reserveLimit
	s.snapshotLimit = snapshotLimit
	s.rateWindow = window
}

// CheckSnapshotRateLimit throttles anonymous snapshot reads, keyed by the
// caller's network address.
func (s *Service) CheckSnapshotRateLimit(ctx context.Context, subject string) error {
	return s.consumeLimit(ctx, "snapshot", subject, s.snapshotLimit)
}

func validGiftCategory(c domain.GiftCategory) bool {
	switch c {
	case domain.CategoryArt, domain.CategoryAccessories, domain.CategoryAdventure,
		domain.CategoryAppliances, domain.CategoryCustomMade, domain.CategoryDIY,
		domain.CategoryElectronics, domain.CategoryEnergy, domain.CategoryFreewill,
		domain.CategoryInnovation, domain.CategoryKitchenware, domain.CategoryMusic,
		domain.CategoryNourishment, domain.CategoryPayAsYouGo, domain.CategoryProperty,
		domain.CategoryServices, domain.CategoryTechnology, domain.CategoryTithing,
		domain.CategoryTools, domain.CategoryVehicles, domain.CategoryWellness:
		return true
	}
	return false
}

// CreateOrchard validates the request, computes the frozen financial
// breakdown and pocket count, persists the orchard, and registers it with
// the allocation ledger.
func (s *Service) CreateOrchard(ctx context.Context, growerID uuid.UUID, req domain.CreateOrchardRequest) (*domain.Orchard, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if !validGiftCategory(req.Category) {
		return nil, fmt.Errorf("%w: unknown gift category %q", ErrInvalidRequest, req.Category)
	}

	pocketPrice := req.PocketPrice
	if pocketPrice == 0 {
		pocketPrice = s.policy.DefaultPocketPrice
	}

	breakdown, err := domain.ComputeFinancialBreakdown(req.SeedValue, s.policy.TitheBps, s.policy.ProcessingFeeBps)
	if err != nil {
		return nil, err
	}
	totalPockets, err := domain.PocketCount(breakdown.FinalSeedValue, pocketPrice)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	orchard := &domain.Orchard{
		ID:                  uuid.New(),
		GrowerID:            growerID,
		Title:               req.Title,
		Description:         req.Description,
		Category:            req.Category,
		OriginalSeedValue:   breakdown.OriginalSeedValue,
		TitheBps:            breakdown.TitheBps,
		ProcessingFeeBps:    breakdown.ProcessingFeeBps,
		TitheAmount:         breakdown.TitheAmount,
		ProcessingFeeAmount: breakdown.ProcessingFeeAmount,
		FinalSeedValue:      breakdown.FinalSeedValue,
		PocketPrice:         pocketPrice,
		TotalPockets:        totalPockets,
		Location:            req.Location,
		Timeline:            req.Timeline,
		WhyNeeded:           req.WhyNeeded,
		CommunityImpact:     req.CommunityImpact,
		Features:            req.Features,
		Images:              req.Images,
		VideoURL:            req.VideoURL,
		Status:              domain.OrchardStatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.repo.CreateOrchard(ctx, orchard); err != nil {
		return nil, fmt.Errorf("failed to persist orchard: %w", err)
	}
	if err := s.ledger.Register(orchard.ID, orchard.TotalPockets); err != nil {
		return nil, fmt.Errorf("failed to register orchard with ledger: %w", err)
	}

	log.Printf("level=info component=orchard_service op=create_orchard orchard_id=%s grower_id=%s final_seed_value=%d total_pockets=%d",
		orchard.ID, growerID, orchard.FinalSeedValue, orchard.TotalPockets)
	return orchard, nil
}

// GetOrchard retrieves one orchard, bumping the view counter for browse
// traffic. A failed view bump is logged and swallowed; it must never break a
// read.
func (s *Service) GetOrchard(ctx context.Context, orchardID uuid.UUID, countView bool) (*domain.Orchard, error) {
	orchard, err := s.repo.FindOrchardByID(ctx, orchardID)
	if err != nil {
		return nil, err
	}
	if countView {
		if err := s.repo.IncrementOrchardViews(ctx, orchardID); err != nil {
			log.Printf("level=warn component=orchard_service op=get_orchard msg=\"view bump failed\" orchard_id=%s err=%v", orchardID, err)
		} else {
			orchard.Views++
		}
	}
	return orchard, nil
}

// ListOrchards returns the filtered browse listing.
func (s *Service) ListOrchards(ctx context.Context, opts domain.OrchardListOptions) ([]domain.Orchard, error) {
	return s.repo.ListOrchards(ctx, opts)
}

// SetOrchardStatus applies a grower-initiated lifecycle change. Permitted
// transitions: active -> paused, paused -> active, and active/paused ->
// cancelled. Completed and cancelled orchards are immutable.
func (s *Service) SetOrchardStatus(ctx context.Context, orchardID, callerID uuid.UUID, target domain.OrchardStatus) (*domain.Orchard, error) {
	orchard, err := s.repo.FindOrchardByID(ctx, orchardID)
	if err != nil {
		return nil, err
	}
	if orchard.GrowerID != callerID {
		return nil, ErrNotOwner
	}

	allowed := false
	switch target {
	case domain.OrchardStatusPaused:
		allowed = orchard.Status == domain.OrchardStatusActive
	case domain.OrchardStatusActive:
		allowed = orchard.Status == domain.OrchardStatusPaused
	case domain.OrchardStatusCancelled:
		allowed = orchard.Status == domain.OrchardStatusActive || orchard.Status == domain.OrchardStatusPaused
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, orchard.Status, target)
	}

	if err := s.repo.UpdateOrchardStatus(ctx, orchardID, target); err != nil {
		return nil, err
	}
	orchard.Status = target
	log.Printf("level=info component=orchard_service op=set_orchard_status orchard_id=%s status=%s", orchardID, target)
	return orchard, nil
}

// UpdateOrchard applies a grower's partial metadata edit. Nil fields are left
// unchanged. The frozen financial breakdown and pocket count are never
// editable, and completed or cancelled orchards are immutable.
func (s *Service) UpdateOrchard(ctx context.Context, orchardID, callerID uuid.UUID, req domain.UpdateOrchardRequest) (*domain.Orchard, error) {
	orchard, err := s.repo.FindOrchardByID(ctx, orchardID)
	if err != nil {
		return nil, err
	}
	if orchard.GrowerID != callerID {
		return nil, ErrNotOwner
	}
	if orchard.Status == domain.OrchardStatusCompleted || orchard.Status == domain.OrchardStatusCancelled {
		return nil, fmt.Errorf("%w: %s orchards cannot be edited", ErrInvalidStatusChange, orchard.Status)
	}

	if req.Title != nil {
		if *req.Title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidRequest)
		}
		orchard.Title = *req.Title
	}
	if req.Category != nil {
		if !validGiftCategory(*req.Category) {
			return nil, fmt.Errorf("%w: unknown gift category %q", ErrInvalidRequest, *req.Category)
		}
		orchard.Category = *req.Category
	}
	if req.Description != nil {
		orchard.Description = *req.Description
	}
	if req.Location != nil {
		orchard.Location = req.Location
	}
	if req.Timeline != nil {
		orchard.Timeline = req.Timeline
	}
	if req.WhyNeeded != nil {
		orchard.WhyNeeded = *req.WhyNeeded
	}
	if req.CommunityImpact != nil {
		orchard.CommunityImpact = *req.CommunityImpact
	}
	if req.Features != nil {
		orchard.Features = req.Features
	}
	if req.Images != nil {
		orchard.Images = req.Images
	}
	if req.VideoURL != nil {
		orchard.VideoURL = req.VideoURL
	}

	if err := s.repo.UpdateOrchardMetadata(ctx, orchard); err != nil {
		return nil, err
	}
	orchard.UpdatedAt = s.now().UTC()
	log.Printf("level=info component=orchard_service op=update_orchard orchard_id=%s grower_id=%s", orchardID, callerID)
	return orchard, nil
}

// PocketStatus is one pocket in a grove snapshot, annotated with its growth
// stage when filled.
type PocketStatus struct {
	Number      int                `json:"number"`
	State       ledger.PocketState `json:"state"`
	OwnerID     *uuid.UUID         `json:"owner_id,omitempty"`
	FilledAt    *time.Time         `json:"filled_at,omitempty"`
	DaysGrowing int                `json:"days_growing,omitempty"`
	Stage       domain.GrowthStage `json:"stage,omitempty"`
}

// OrchardSnapshot is the orchard record joined with a consistent ledger view.
type OrchardSnapshot struct {
	Orchard         *domain.Orchard `json:"orchard"`
	TotalPockets    int             `json:"total_pockets"`
	FilledPockets   int             `json:"filled_pockets"`
	ReservedPockets int             `json:"reserved_pockets"`
	FreePockets     int             `json:"free_pockets"`
	CompletionRate  float64         `json:"completion_rate"`
	AmountRaised    int64           `json:"amount_raised"` // in cents
	Pockets         []PocketStatus  `json:"pockets"`
}

// Snapshot returns the pocket grove for one orchard with growth stages
// derived from each pocket's fill time.
func (s *Service) Snapshot(ctx context.Context, orchardID uuid.UUID) (*OrchardSnapshot, error) {
	orchard, err := s.repo.FindOrchardByID(ctx, orchardID)
	if err != nil {
		return nil, err
	}
	snap, err := s.ledger.Snapshot(orchardID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	view := &OrchardSnapshot{
		Orchard:         orchard,
		TotalPockets:    snap.TotalPockets,
		FilledPockets:   snap.FilledPockets,
		ReservedPockets: snap.ReservedPockets,
		FreePockets:     snap.FreePockets,
		CompletionRate:  snap.CompletionRate,
		AmountRaised:    int64(snap.FilledPockets) * orchard.PocketPrice,
		Pockets:         make([]PocketStatus, 0, len(snap.Pockets)),
	}
	for _, p := range snap.Pockets {
		status := PocketStatus{
			Number:   p.Number,
			State:    p.State,
			OwnerID:  p.OwnerID,
			FilledAt: p.FilledAt,
		}
		if p.State == ledger.PocketFilled && p.FilledAt != nil {
			status.DaysGrowing = domain.DaysGrowing(*p.FilledAt, now)
			status.Stage = domain.StageForDays(status.DaysGrowing)
		}
		view.Pockets = append(view.Pockets, status)
	}
	return view, nil
}

// ReservePockets is the entry point of a purchase. It reserves the selection
// atomically, persists a pending bestowal, and submits a charge to the
// payment gateway. The returned bestowal is pending; the terminal outcome
// arrives via ConfirmPayment, the status consumer, or the expiry sweep.
func (s *Service) ReservePockets(ctx context.Context, orchardID, bestowerID uuid.UUID, req domain.ReservePocketsRequest) (*domain.Bestowal, error) {
	if err := s.checkReserveRateLimit(ctx, bestowerID); err != nil {
		return nil, err
	}
	if req.PaymentMethod != domain.PaymentMethodCard && req.PaymentMethod != domain.PaymentMethodPayPal {
		return nil, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidRequest, req.PaymentMethod)
	}

	orchard, err := s.repo.FindOrchardByID(ctx, orchardID)
	if err != nil {
		return nil, err
	}
	if orchard.Status != domain.OrchardStatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrOrchardNotActive, orchard.Status)
	}

	token, reclaimed, err := s.ledger.Reserve(orchardID, req.PocketNumbers, bestowerID, s.policy.ReservationTTL)
	if err != nil {
		return nil, err
	}
	// Reservations displaced by the lazy reclaim never reach the sweep, so
	// their bestowals are resolved here.
	s.resolveExpired(ctx, reclaimed)

	now := s.now().UTC()
	bestowal := &domain.Bestowal{
		ID:               uuid.New(),
		OrchardID:        orchardID,
		BestowerID:       bestowerID,
		ReservationToken: token,
		PocketNumbers:    append([]int(nil), req.PocketNumbers...),
		TotalAmount:      int64(len(req.PocketNumbers)) * orchard.PocketPrice,
		PaymentMethod:    req.PaymentMethod,
		Status:           domain.BestowalStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateBestowal(ctx, bestowal); err != nil {
		// The reservation must not outlive its record.
		s.ledger.Release(token)
		return nil, fmt.Errorf("failed to persist bestowal: %w", err)
	}

	log.Printf("level=info component=orchard_service op=reserve_pockets bestowal_id=%s orchard_id=%s bestower_id=%s pockets=%d amount=%d",
		bestowal.ID, orchardID, bestowerID, len(bestowal.PocketNumbers), bestowal.TotalAmount)

	if err := s.submitCharge(ctx, orchard, bestowal); err != nil {
		return nil, err
	}

	s.publish(ctx, EventBestowalReserved, BestowalEventPayload{
		BestowalID:    bestowal.ID,
		OrchardID:     orchardID,
		BestowerID:    bestowerID,
		PocketNumbers: bestowal.PocketNumbers,
		TotalAmount:   bestowal.TotalAmount,
		Status:        bestowal.Status,
	})
	return bestowal, nil
}

func (s *Service) checkReserveRateLimit(ctx context.Context, bestowerID uuid.UUID) error {
	return s.consumeLimit(ctx, "reserve", bestowerID.String(), s.reserveLimit)
}

func (s *Service) consumeLimit(ctx context.Context, scope, subject string, limit int) error {
	if s.rateLimiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, subject, limit, s.rateWindow)
	if err != nil {
		// The limiter is protective, not load-bearing. Fail open.
		log.Printf("level=warn component=orchard_service scope=%s msg=\"rate limiter unavailable; failing open\" err=%v", scope, err)
		return nil
	}
	if count > limit {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// submitCharge asks the gateway to charge the bestower. Explicit declines
// resolve the bestowal immediately; ambiguous failures leave it pending so a
// charge that actually went through can still be confirmed before the TTL.
func (s *Service) submitCharge(ctx context.Context, orchard *domain.Orchard, bestowal *domain.Bestowal) error {
	resp, err := s.gateway.CreateCharge(ctx, paymentgateway.ChargeRequest{
		Reference:   bestowal.ID,
		Amount:      bestowal.TotalAmount,
		Currency:    s.policy.Currency,
		Method:      string(bestowal.PaymentMethod),
		Description: fmt.Sprintf("%d pocket(s) in %s", len(bestowal.PocketNumbers), orchard.Title),
	})
	if err != nil {
		var gwErr *paymentgateway.ErrorResponse
		if errors.As(err, &gwErr) && gwErr.IsExplicitDecline() {
			reason := gwErr.Error()
			s.failBestowal(ctx, bestowal, reason)
			return fmt.Errorf("%w: %s", ErrPaymentDeclined, reason)
		}
		log.Printf("level=warn component=orchard_service op=submit_charge msg=\"ambiguous gateway failure; awaiting TTL or status event\" bestowal_id=%s err=%v",
			bestowal.ID, err)
		return nil
	}

	if err := s.repo.SetBestowalGatewayChargeID(ctx, bestowal.ID, resp.Data.ID); err != nil {
		log.Printf("level=warn component=orchard_service op=submit_charge msg=\"failed to record charge id\" bestowal_id=%s charge_id=%s err=%v",
			bestowal.ID, resp.Data.ID, err)
	} else {
		chargeID := resp.Data.ID
		bestowal.GatewayChargeID = &chargeID
	}
	return nil
}

// ConfirmPayment applies a synchronous gateway outcome to a pending bestowal.
// Replays against a terminal bestowal return the record unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, bestowalID uuid.UUID, result domain.PaymentResult) (*domain.Bestowal, error) {
	bestowal, err := s.repo.FindBestowalByID(ctx, bestowalID)
	if err != nil {
		return nil, err
	}
	if bestowal.Status.Terminal() {
		log.Printf("level=info component=orchard_service op=confirm_payment msg=\"ignoring outcome for terminal bestowal\" bestowal_id=%s status=%s",
			bestowalID, bestowal.Status)
		return bestowal, nil
	}

	if result.GatewayChargeID != "" && bestowal.GatewayChargeID == nil {
		if err := s.repo.SetBestowalGatewayChargeID(ctx, bestowalID, result.GatewayChargeID); err == nil {
			chargeID := result.GatewayChargeID
			bestowal.GatewayChargeID = &chargeID
		}
	}

	if !result.Succeeded {
		reason := "payment failed"
		if result.DeclineReason != nil {
			reason = *result.DeclineReason
		}
		s.failBestowal(ctx, bestowal, reason)
		return bestowal, nil
	}
	return s.commitBestowal(ctx, bestowal)
}

// CancelBestowal releases a pending reservation at the bestower's request.
// Cancelling a terminal bestowal is a no-op.
func (s *Service) CancelBestowal(ctx context.Context, bestowalID, callerID uuid.UUID) (*domain.Bestowal, error) {
	bestowal, err := s.repo.FindBestowalByID(ctx, bestowalID)
	if err != nil {
		return nil, err
	}
	if bestowal.BestowerID != callerID {
		return nil, ErrNotOwner
	}
	if bestowal.Status.Terminal() {
		return bestowal, nil
	}
	s.failBestowal(ctx, bestowal, "cancelled by bestower")
	return bestowal, nil
}

// ListBestowals returns a bestower's purchase history.
func (s *Service) ListBestowals(ctx context.Context, bestowerID uuid.UUID, limit, offset int) ([]domain.Bestowal, error) {
	return s.repo.ListBestowalsByBestower(ctx, bestowerID, limit, offset)
}

// commitBestowal transitions the reservation to filled and persists the
// outcome. An elapsed TTL or a cancelled orchard resolves the bestowal as
// expired/failed instead.
func (s *Service) commitBestowal(ctx context.Context, bestowal *domain.Bestowal) (*domain.Bestowal, error) {
	orchard, err := s.repo.FindOrchardByID(ctx, bestowal.OrchardID)
	if err != nil {
		return nil, err
	}
	if orchard.Status == domain.OrchardStatusCancelled {
		s.failBestowal(ctx, bestowal, "orchard cancelled")
		return bestowal, nil
	}

	result, err := s.ledger.Commit(bestowal.ReservationToken)
	if err != nil {
		if errors.Is(err, ledger.ErrReservationExpired) || errors.Is(err, ledger.ErrUnknownReservation) {
			s.expireBestowal(ctx, bestowal)
			return bestowal, fmt.Errorf("%w: bestowal %s", ledger.ErrReservationExpired, bestowal.ID)
		}
		return nil, fmt.Errorf("failed to commit reservation for bestowal %s: %w", bestowal.ID, err)
	}

	pockets := make([]domain.Pocket, 0, len(result.PocketNumbers))
	for _, n := range result.PocketNumbers {
		pockets = append(pockets, domain.Pocket{
			OrchardID:    result.OrchardID,
			PocketNumber: n,
			BestowerID:   result.BestowerID,
			BestowalID:   bestowal.ID,
			Amount:       orchard.PocketPrice,
			FilledAt:     result.FilledAt,
		})
	}
	if err := s.repo.SaveFilledPockets(ctx, pockets); err != nil {
		// The ledger has already decided ownership; the pocket rows are an
		// idempotent projection, so surface the error but do not unwind.
		log.Printf("level=error component=orchard_service op=commit_bestowal msg=\"failed to persist filled pockets\" bestowal_id=%s err=%v",
			bestowal.ID, err)
	}

	if err := s.repo.UpdateBestowalStatus(ctx, bestowal.ID, domain.BestowalStatusConfirmed, nil); err != nil {
		log.Printf("level=error component=orchard_service op=commit_bestowal msg=\"failed to mark bestowal confirmed\" bestowal_id=%s err=%v",
			bestowal.ID, err)
	}
	bestowal.Status = domain.BestowalStatusConfirmed

	supporters, err := s.repo.CountDistinctBestowers(ctx, bestowal.OrchardID)
	if err != nil {
		log.Printf("level=warn component=orchard_service op=commit_bestowal msg=\"failed to count supporters\" orchard_id=%s err=%v",
			bestowal.OrchardID, err)
		supporters = orchard.Supporters
	}
	if err := s.repo.UpdateOrchardCounters(ctx, bestowal.OrchardID, result.FilledPockets, supporters); err != nil {
		log.Printf("level=warn component=orchard_service op=commit_bestowal msg=\"failed to update orchard counters\" orchard_id=%s err=%v",
			bestowal.OrchardID, err)
	}

	log.Printf("level=info component=orchard_service op=commit_bestowal bestowal_id=%s orchard_id=%s filled=%d/%d",
		bestowal.ID, bestowal.OrchardID, result.FilledPockets, result.TotalPockets)

	s.publish(ctx, EventBestowalConfirmed, BestowalEventPayload{
		BestowalID:    bestowal.ID,
		OrchardID:     bestowal.OrchardID,
		BestowerID:    bestowal.BestowerID,
		PocketNumbers: bestowal.PocketNumbers,
		TotalAmount:   bestowal.TotalAmount,
		Status:        bestowal.Status,
	})

	if result.Completed {
		if err := s.repo.UpdateOrchardStatus(ctx, bestowal.OrchardID, domain.OrchardStatusCompleted); err != nil {
			log.Printf("level=error component=orchard_service op=commit_bestowal msg=\"failed to mark orchard completed\" orchard_id=%s err=%v",
				bestowal.OrchardID, err)
		}
		log.Printf("level=info component=orchard_service op=commit_bestowal msg=\"orchard fully funded\" orchard_id=%s", bestowal.OrchardID)
		s.publish(ctx, EventOrchardCompleted, OrchardCompletedPayload{
			OrchardID:      orchard.ID,
			GrowerID:       orchard.GrowerID,
			Title:          orchard.Title,
			FinalSeedValue: orchard.FinalSeedValue,
			TotalPockets:   orchard.TotalPockets,
			CompletedAt:    result.FilledAt,
		})
	}
	s.ledger.Forget(bestowal.ReservationToken)
	return bestowal, nil
}

// failBestowal releases the reservation and marks the bestowal failed.
func (s *Service) failBestowal(ctx context.Context, bestowal *domain.Bestowal, reason string) {
	s.ledger.Release(bestowal.ReservationToken)
	if err := s.repo.UpdateBestowalStatus(ctx, bestowal.ID, domain.BestowalStatusFailed, &reason); err != nil {
		log.Printf("level=error component=orchard_service op=fail_bestowal msg=\"failed to mark bestowal failed\" bestowal_id=%s err=%v",
			bestowal.ID, err)
	}
	bestowal.Status = domain.BestowalStatusFailed
	bestowal.FailureReason = &reason
	log.Printf("level=info component=orchard_service op=fail_bestowal bestowal_id=%s reason=%q", bestowal.ID, reason)

	s.publish(ctx, EventBestowalFailed, BestowalEventPayload{
		BestowalID:    bestowal.ID,
		OrchardID:     bestowal.OrchardID,
		BestowerID:    bestowal.BestowerID,
		PocketNumbers: bestowal.PocketNumbers,
		TotalAmount:   bestowal.TotalAmount,
		Status:        bestowal.Status,
		Reason:        reason,
	})
	s.ledger.Forget(bestowal.ReservationToken)
}

// expireBestowal marks the bestowal expired. The ledger reservation is
// already gone (elapsed or swept) by the time this runs.
func (s *Service) expireBestowal(ctx context.Context, bestowal *domain.Bestowal) {
	reason := "reservation expired"
	if err := s.repo.UpdateBestowalStatus(ctx, bestowal.ID, domain.BestowalStatusExpired, &reason); err != nil {
		log.Printf("level=error component=orchard_service op=expire_bestowal msg=\"failed to mark bestowal expired\" bestowal_id=%s err=%v",
			bestowal.ID, err)
	}
	bestowal.Status = domain.BestowalStatusExpired
	bestowal.FailureReason = &reason
	log.Printf("level=info component=orchard_service op=expire_bestowal bestowal_id=%s orchard_id=%s", bestowal.ID, bestowal.OrchardID)

	s.publish(ctx, EventBestowalExpired, BestowalEventPayload{
		BestowalID:    bestowal.ID,
		OrchardID:     bestowal.OrchardID,
		BestowerID:    bestowal.BestowerID,
		PocketNumbers: bestowal.PocketNumbers,
		TotalAmount:   bestowal.TotalAmount,
		Status:        bestowal.Status,
		Reason:        reason,
	})
	s.ledger.Forget(bestowal.ReservationToken)
}

// SweepExpiredReservations releases every elapsed reservation and expires the
// bestowals tied to them. Returns the number of reservations swept.
func (s *Service) SweepExpiredReservations(ctx context.Context) int {
	expired := s.ledger.SweepExpired()
	s.resolveExpired(ctx, expired)
	if len(expired) > 0 {
		log.Printf("level=info component=orchard_service op=sweep_expired count=%d", len(expired))
	}
	return len(expired)
}

// resolveExpired expires the bestowals tied to reservations the ledger has
// released, whether by the periodic sweep or the lazy reclaim inside Reserve.
func (s *Service) resolveExpired(ctx context.Context, expired []ledger.ExpiredReservation) {
	for _, res := range expired {
		bestowal, err := s.repo.FindBestowalByReservationToken(ctx, res.Token)
		if err != nil {
			log.Printf("level=warn component=orchard_service op=resolve_expired msg=\"no bestowal for released reservation\" token=%s orchard_id=%s err=%v",
				res.Token, res.OrchardID, err)
			s.ledger.Forget(res.Token)
			continue
		}
		if bestowal.Status.Terminal() {
			s.ledger.Forget(res.Token)
			continue
		}
		s.expireBestowal(ctx, bestowal)
	}
}

// RunExpirySweeper periodically sweeps expired reservations until the context
// is cancelled. Intended to run as a single background goroutine.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("level=info component=orchard_service op=expiry_sweeper msg=\"started\" interval=%s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=orchard_service op=expiry_sweeper msg=\"stopped\"")
			return
		case <-ticker.C:
			s.SweepExpiredReservations(ctx)
		}
	}
}

// Rehydrate rebuilds the ledger from the durable store at boot and expires
// every pending bestowal, since their in-memory reservations did not survive
// the restart.
func (s *Service) Rehydrate(ctx context.Context) error {
	orchards, err := s.repo.ListOrchards(ctx, domain.OrchardListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list orchards for rehydration: %w", err)
	}
	for i := range orchards {
		o := &orchards[i]
		pockets, err := s.repo.LoadFilledPockets(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("failed to load pockets for orchard %s: %w", o.ID, err)
		}
		filled := make([]ledger.FilledPocket, 0, len(pockets))
		for _, p := range pockets {
			filled = append(filled, ledger.FilledPocket{
				Number:   p.PocketNumber,
				OwnerID:  p.BestowerID,
				FilledAt: p.FilledAt,
			})
		}
		if err := s.ledger.Restore(o.ID, o.TotalPockets, filled); err != nil {
			return fmt.Errorf("failed to restore orchard %s into ledger: %w", o.ID, err)
		}
	}

	pending, err := s.repo.ListPendingBestowals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending bestowals: %w", err)
	}
	for i := range pending {
		s.expireBestowal(ctx, &pending[i])
	}

	log.Printf("level=info component=orchard_service op=rehydrate orchards=%d expired_pending=%d", len(orchards), len(pending))
	return nil
}

// CategoryAnalytics computes the per-category rollups over all orchards.
func (s *Service) CategoryAnalytics(ctx context.Context) ([]analytics.CategoryRollup, error) {
	orchards, err := s.repo.ListOrchards(ctx, domain.OrchardListOptions{})
	if err != nil {
		return nil, err
	}
	return analytics.CategoryRollups(orchards, s.snapshotAll(orchards)), nil
}

// Trends compares confirmed bestowal volume over the trailing window against
// the window before it.
func (s *Service) Trends(ctx context.Context, window time.Duration) (*analytics.TrendReport, error) {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	now := s.now().UTC()
	currentWindow := analytics.Window{From: now.Add(-window), To: now}
	previousWindow := analytics.Window{From: now.Add(-2 * window), To: now.Add(-window)}

	current, err := s.repo.ListConfirmedBestowalsBetween(ctx, currentWindow.From, currentWindow.To)
	if err != nil {
		return nil, err
	}
	previous, err := s.repo.ListConfirmedBestowalsBetween(ctx, previousWindow.From, previousWindow.To)
	if err != nil {
		return nil, err
	}
	report := analytics.Trends(current, previous, currentWindow, previousWindow)
	return &report, nil
}

// Rankings returns the top orchards by amount raised and by growth rate.
func (s *Service) Rankings(ctx context.Context, limit int) (byRaised, byGrowth []analytics.Ranking, err error) {
	orchards, err := s.repo.ListOrchards(ctx, domain.OrchardListOptions{})
	if err != nil {
		return nil, nil, err
	}
	snaps := s.snapshotAll(orchards)
	return analytics.RankByRaised(orchards, snaps, limit),
		analytics.RankByGrowthRate(orchards, snaps, s.now().UTC(), limit),
		nil
}

func (s *Service) snapshotAll(orchards []domain.Orchard) map[uuid.UUID]*ledger.Snapshot {
	snaps := make(map[uuid.UUID]*ledger.Snapshot, len(orchards))
	for i := range orchards {
		snap, err := s.ledger.Snapshot(orchards[i].ID)
		if err != nil {
			continue
		}
		snaps[orchards[i].ID] = snap
	}
	return snaps
}

func (s *Service) publish(ctx context.Context, routingKey string, payload interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, rabbitmq.EventsExchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=orchard_service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
