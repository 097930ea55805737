/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. SQL is
 * hand-written; every error is wrapped with enough context to identify the
 * failing operation in logs.
 *
 * Schema expectations (see migrations/001_init.sql):
 * - orchards: one row per campaign with the frozen financial breakdown.
 * - bestowals: one row per purchase attempt; terminal rows are never updated
 *   again (enforced by the status guard in UpdateBestowalStatus).
 * - pockets: one row per *filled* pocket only; (orchard_id, pocket_number)
 *   is the primary key, which backstops the ledger's one-owner invariant at
 *   the durability layer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sow2grow/orchard-service/internal/domain"
)

// PostgresRepository provides methods for interacting with the PostgreSQL database.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with a database connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func intsToInt32(numbers []int) []int32 {
	out := make([]int32, len(numbers))
	for i, n := range numbers {
		out[i] = int32(n)
	}
	return out
}

func int32sToInts(numbers []int32) []int {
	out := make([]int, len(numbers))
	for i, n := range numbers {
		out[i] = int(n)
	}
	return out
}

const orchardColumns = `
	id, grower_id, title, description, category,
	original_seed_value, tithe_bps, processing_fee_bps,
	tithe_amount, processing_fee_amount, final_seed_value,
	pocket_price, total_pockets, filled_pockets, supporters, views,
	location, timeline, why_needed, community_impact,
	features, images, video_url, verified, status,
	created_at, updated_at`

func scanOrchard(row pgx.Row) (*domain.Orchard, error) {
	var o domain.Orchard
	err := row.Scan(
		&o.ID, &o.GrowerID, &o.Title, &o.Description, &o.Category,
		&o.OriginalSeedValue, &o.TitheBps, &o.ProcessingFeeBps,
		&o.TitheAmount, &o.ProcessingFeeAmount, &o.FinalSeedValue,
		&o.PocketPrice, &o.TotalPockets, &o.FilledPockets, &o.Supporters, &o.Views,
		&o.Location, &o.Timeline, &o.WhyNeeded, &o.CommunityImpact,
		&o.Features, &o.Images, &o.VideoURL, &o.Verified, &o.Status,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrchard inserts a new orchard row with its frozen financial breakdown.
func (r *PostgresRepository) CreateOrchard(ctx context.Context, o *domain.Orchard) error {
	query := `
		INSERT INTO orchards (
			id, grower_id, title, description, category,
			original_seed_value, tithe_bps, processing_fee_bps,
			tithe_amount, processing_fee_amount, final_seed_value,
			pocket_price, total_pockets, filled_pockets, supporters, views,
			location, timeline, why_needed, community_impact,
			features, images, video_url, verified, status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25,
			NOW(), NOW()
		)
	`
	_, err := r.db.Exec(ctx, query,
		o.ID, o.GrowerID, o.Title, o.Description, o.Category,
		o.OriginalSeedValue, o.TitheBps, o.ProcessingFeeBps,
		o.TitheAmount, o.ProcessingFeeAmount, o.FinalSeedValue,
		o.PocketPrice, o.TotalPockets, o.FilledPockets, o.Supporters, o.Views,
		o.Location, o.Timeline, o.WhyNeeded, o.CommunityImpact,
		o.Features, o.Images, o.VideoURL, o.Verified, o.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert orchard: %w", err)
	}
	return nil
}

// FindOrchardByID retrieves a single orchard.
func (r *PostgresRepository) FindOrchardByID(ctx context.Context, orchardID uuid.UUID) (*domain.Orchard, error) {
	query := `SELECT ` + orchardColumns + ` FROM orchards WHERE id = $1`
	o, err := scanOrchard(r.db.QueryRow(ctx, query, orchardID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrchardNotFound
		}
		return nil, fmt.Errorf("failed to find orchard %s: %w", orchardID, err)
	}
	return o, nil
}

// ListOrchards retrieves orchards filtered by category, status and grower,
// newest first.
func (r *PostgresRepository) ListOrchards(ctx context.Context, opts domain.OrchardListOptions) ([]domain.Orchard, error) {
	query := `SELECT ` + orchardColumns + ` FROM orchards WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if opts.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", idx)
		args = append(args, opts.Category)
		idx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, opts.Status)
		idx++
	}
	if opts.GrowerID != nil {
		query += fmt.Sprintf(" AND grower_id = $%d", idx)
		args = append(args, *opts.GrowerID)
		idx++
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, opts.Limit)
		idx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, opts.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchards: %w", err)
	}
	defer rows.Close()

	var orchards []domain.Orchard
	for rows.Next() {
		o, err := scanOrchard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orchard row: %w", err)
		}
		orchards = append(orchards, *o)
	}
	return orchards, rows.Err()
}

// UpdateOrchardStatus sets the lifecycle status of an orchard.
func (r *PostgresRepository) UpdateOrchardStatus(ctx context.Context, orchardID uuid.UUID, status domain.OrchardStatus) error {
	query := `UPDATE orchards SET status = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, status, orchardID)
	if err != nil {
		return fmt.Errorf("failed to update orchard status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrchardNotFound
	}
	return nil
}

// UpdateOrchardMetadata writes the grower-editable columns from an already
// merged orchard. Financial, counter, and status columns are deliberately not
// touched here.
func (r *PostgresRepository) UpdateOrchardMetadata(ctx context.Context, o *domain.Orchard) error {
	query := `
		UPDATE orchards
		SET title = $1, description = $2, category = $3, location = $4,
		    timeline = $5, why_needed = $6, community_impact = $7,
		    features = $8, images = $9, video_url = $10, updated_at = NOW()
		WHERE id = $11
	`
	tag, err := r.db.Exec(ctx, query,
		o.Title, o.Description, o.Category, o.Location,
		o.Timeline, o.WhyNeeded, o.CommunityImpact,
		o.Features, o.Images, o.VideoURL, o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update orchard metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrchardNotFound
	}
	return nil
}

// UpdateOrchardCounters writes the ledger-derived filled/supporter caches.
func (r *PostgresRepository) UpdateOrchardCounters(ctx context.Context, orchardID uuid.UUID, filledPockets, supporters int) error {
	query := `UPDATE orchards SET filled_pockets = $1, supporters = $2, updated_at = NOW() WHERE id = $3`
	tag, err := r.db.Exec(ctx, query, filledPockets, supporters, orchardID)
	if err != nil {
		return fmt.Errorf("failed to update orchard counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrchardNotFound
	}
	return nil
}

// IncrementOrchardViews bumps the view counter.
func (r *PostgresRepository) IncrementOrchardViews(ctx context.Context, orchardID uuid.UUID) error {
	query := `UPDATE orchards SET views = views + 1 WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, orchardID); err != nil {
		return fmt.Errorf("failed to increment orchard views: %w", err)
	}
	return nil
}

const bestowalColumns = `
	id, orchard_id, bestower_id, reservation_token, pocket_numbers,
	total_amount, payment_method, gateway_charge_id, status, failure_reason,
	created_at, updated_at`

func scanBestowal(row pgx.Row) (*domain.Bestowal, error) {
	var b domain.Bestowal
	var numbers []int32
	err := row.Scan(
		&b.ID, &b.OrchardID, &b.BestowerID, &b.ReservationToken, &numbers,
		&b.TotalAmount, &b.PaymentMethod, &b.GatewayChargeID, &b.Status, &b.FailureReason,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.PocketNumbers = int32sToInts(numbers)
	return &b, nil
}

// CreateBestowal inserts a new pending bestowal record.
func (r *PostgresRepository) CreateBestowal(ctx context.Context, b *domain.Bestowal) error {
	query := `
		INSERT INTO bestowals (
			id, orchard_id, bestower_id, reservation_token, pocket_numbers,
			total_amount, payment_method, gateway_charge_id, status, failure_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		b.ID, b.OrchardID, b.BestowerID, b.ReservationToken, intsToInt32(b.PocketNumbers),
		b.TotalAmount, b.PaymentMethod, b.GatewayChargeID, b.Status, b.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bestowal: %w", err)
	}
	return nil
}

// FindBestowalByID retrieves one bestowal.
func (r *PostgresRepository) FindBestowalByID(ctx context.Context, bestowalID uuid.UUID) (*domain.Bestowal, error) {
	query := `SELECT ` + bestowalColumns + ` FROM bestowals WHERE id = $1`
	b, err := scanBestowal(r.db.QueryRow(ctx, query, bestowalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBestowalNotFound
		}
		return nil, fmt.Errorf("failed to find bestowal %s: %w", bestowalID, err)
	}
	return b, nil
}

// FindBestowalByReservationToken retrieves the bestowal tied to a ledger
// reservation. Used by the expiry sweep to correlate swept reservations back
// to their pending records.
func (r *PostgresRepository) FindBestowalByReservationToken(ctx context.Context, token uuid.UUID) (*domain.Bestowal, error) {
	query := `SELECT ` + bestowalColumns + ` FROM bestowals WHERE reservation_token = $1`
	b, err := scanBestowal(r.db.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBestowalNotFound
		}
		return nil, fmt.Errorf("failed to find bestowal by reservation token %s: %w", token, err)
	}
	return b, nil
}

// UpdateBestowalStatus moves a bestowal out of pending. The status guard
// keeps terminal records immutable even under replayed gateway events.
func (r *PostgresRepository) UpdateBestowalStatus(ctx context.Context, bestowalID uuid.UUID, status domain.BestowalStatus, failureReason *string) error {
	query := `
		UPDATE bestowals
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, status, failureReason, bestowalID)
	if err != nil {
		return fmt.Errorf("failed to update bestowal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBestowalNotFound
	}
	return nil
}

// SetBestowalGatewayChargeID records the external charge reference.
func (r *PostgresRepository) SetBestowalGatewayChargeID(ctx context.Context, bestowalID uuid.UUID, gatewayChargeID string) error {
	query := `UPDATE bestowals SET gateway_charge_id = $1, updated_at = NOW() WHERE id = $2`
	if _, err := r.db.Exec(ctx, query, gatewayChargeID, bestowalID); err != nil {
		return fmt.Errorf("failed to set bestowal gateway charge id: %w", err)
	}
	return nil
}

// ListPendingBestowals returns all bestowals still awaiting a payment
// outcome. Used at boot to expire reservations that did not survive a
// restart.
func (r *PostgresRepository) ListPendingBestowals(ctx context.Context) ([]domain.Bestowal, error) {
	query := `SELECT ` + bestowalColumns + ` FROM bestowals WHERE status = 'pending' ORDER BY created_at`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending bestowals: %w", err)
	}
	defer rows.Close()

	var bestowals []domain.Bestowal
	for rows.Next() {
		b, err := scanBestowal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bestowal row: %w", err)
		}
		bestowals = append(bestowals, *b)
	}
	return bestowals, rows.Err()
}

// ListConfirmedBestowalsBetween returns confirmed bestowals in [from, to),
// the input for trend analytics.
func (r *PostgresRepository) ListConfirmedBestowalsBetween(ctx context.Context, from, to time.Time) ([]domain.Bestowal, error) {
	query := `
		SELECT ` + bestowalColumns + `
		FROM bestowals
		WHERE status = 'confirmed' AND updated_at >= $1 AND updated_at < $2
		ORDER BY updated_at
	`
	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed bestowals: %w", err)
	}
	defer rows.Close()

	var bestowals []domain.Bestowal
	for rows.Next() {
		b, err := scanBestowal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bestowal row: %w", err)
		}
		bestowals = append(bestowals, *b)
	}
	return bestowals, rows.Err()
}

// ListBestowalsByBestower returns a bestower's purchase history, newest first.
func (r *PostgresRepository) ListBestowalsByBestower(ctx context.Context, bestowerID uuid.UUID, limit, offset int) ([]domain.Bestowal, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + bestowalColumns + `
		FROM bestowals
		WHERE bestower_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, bestowerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list bestowals for bestower %s: %w", bestowerID, err)
	}
	defer rows.Close()

	var bestowals []domain.Bestowal
	for rows.Next() {
		b, err := scanBestowal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bestowal row: %w", err)
		}
		bestowals = append(bestowals, *b)
	}
	return bestowals, rows.Err()
}

// SaveFilledPockets persists the pockets filled by one commit in a single
// transaction. ON CONFLICT DO NOTHING makes replays harmless: the ledger has
// already decided ownership.
func (r *PostgresRepository) SaveFilledPockets(ctx context.Context, pockets []domain.Pocket) error {
	if len(pockets) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO pockets (orchard_id, pocket_number, bestower_id, bestowal_id, amount, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (orchard_id, pocket_number) DO NOTHING
	`
	for _, p := range pockets {
		if _, err := tx.Exec(ctx, query, p.OrchardID, p.PocketNumber, p.BestowerID, p.BestowalID, p.Amount, p.FilledAt); err != nil {
			return fmt.Errorf("failed to insert pocket %d of orchard %s: %w", p.PocketNumber, p.OrchardID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pocket inserts: %w", err)
	}
	return nil
}

// LoadFilledPockets returns all filled pockets of an orchard, used to
// rehydrate the ledger at boot.
func (r *PostgresRepository) LoadFilledPockets(ctx context.Context, orchardID uuid.UUID) ([]domain.Pocket, error) {
	query := `
		SELECT orchard_id, pocket_number, bestower_id, bestowal_id, amount, filled_at
		FROM pockets
		WHERE orchard_id = $1
		ORDER BY pocket_number
	`
	rows, err := r.db.Query(ctx, query, orchardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pockets for orchard %s: %w", orchardID, err)
	}
	defer rows.Close()

	var pockets []domain.Pocket
	for rows.Next() {
		var p domain.Pocket
		if err := rows.Scan(&p.OrchardID, &p.PocketNumber, &p.BestowerID, &p.BestowalID, &p.Amount, &p.FilledAt); err != nil {
			return nil, fmt.Errorf("failed to scan pocket row: %w", err)
		}
		pockets = append(pockets, p)
	}
	return pockets, rows.Err()
}

// CountDistinctBestowers returns how many different bestowers hold filled
// pockets in an orchard.
func (r *PostgresRepository) CountDistinctBestowers(ctx context.Context, orchardID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(DISTINCT bestower_id) FROM pockets WHERE orchard_id = $1`
	if err := r.db.QueryRow(ctx, query, orchardID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bestowers for orchard %s: %w", orchardID, err)
	}
	return count, nil
}
