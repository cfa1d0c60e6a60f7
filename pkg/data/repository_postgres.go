package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresRepository implements Repository using PostgreSQL JSONB documents
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	owned  bool
}

// NewPostgresRepository connects a dedicated pool and applies the schema
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := ApplySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRepository{pool: pool, logger: logger, owned: true}, nil
}

// NewPostgresRepositoryFromPool wraps a pool managed elsewhere. Close does not
// close a borrowed pool.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, logger: logger}
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	if r.owned {
		r.pool.Close()
	}
}

func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}

func pgCreate(ctx context.Context, r *PostgresRepository, table string, v Aggregate, dup error) error {
	id := v.AggregateID()
	if id == "" {
		return fmt.Errorf("%w: empty %s id", ErrValidation, table)
	}

	prev := v.AggregateVersion()
	v.SetAggregateVersion(1)
	doc, err := json.Marshal(v)
	if err != nil {
		v.SetAggregateVersion(prev)
		return fmt.Errorf("encoding %s %s: %w", table, id, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, version, doc, updated_at) VALUES ($1, 1, $2, now())`, table)
	if _, err := r.pool.Exec(ctx, query, id, doc); err != nil {
		v.SetAggregateVersion(prev)
		if isPgDuplicateError(err) {
			return dup
		}
		return fmt.Errorf("inserting %s %s: %w", table, id, err)
	}
	return nil
}

func pgUpdate(ctx context.Context, r *PostgresRepository, table string, v Aggregate, notFound error) error {
	id := v.AggregateID()
	expected := v.AggregateVersion()

	v.SetAggregateVersion(expected + 1)
	doc, err := json.Marshal(v)
	if err != nil {
		v.SetAggregateVersion(expected)
		return fmt.Errorf("encoding %s %s: %w", table, id, err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET version = $3, doc = $4, updated_at = now()
		WHERE id = $1 AND version = $2`, table)
	tag, err := r.pool.Exec(ctx, query, id, expected, expected+1, doc)
	if err != nil {
		v.SetAggregateVersion(expected)
		return fmt.Errorf("updating %s %s: %w", table, id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	v.SetAggregateVersion(expected)
	var exists bool
	err = r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking %s %s: %w", table, id, err)
	}
	if !exists {
		return notFound
	}
	r.logger.Debug("version conflict",
		zap.String("table", table),
		zap.String("id", id),
		zap.Int64("expected_version", expected))
	return fmt.Errorf("%w: %s %s at version %d", ErrConcurrentModification, table, id, expected)
}

func pgGet[T any, P interface {
	*T
	Aggregate
}](ctx context.Context, r *PostgresRepository, table, id string, notFound error) (P, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s %s: %w", table, id, err)
	}

	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", table, id, err)
	}
	return P(&v), nil
}

// docQuery accumulates JSONB equality conditions for list queries.
type docQuery struct {
	conds []string
	args  []interface{}
}

func (q *docQuery) eq(expr string, value interface{}) {
	q.args = append(q.args, value)
	q.conds = append(q.conds, fmt.Sprintf("%s = $%d", expr, len(q.args)))
}

func (q *docQuery) build(base, order string, limit int) string {
	query := base
	if len(q.conds) > 0 {
		query += " WHERE " + strings.Join(q.conds, " AND ")
	}
	query += " ORDER BY " + order
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query
}

func pgList[T any, P interface {
	*T
	Aggregate
}](ctx context.Context, r *PostgresRepository, table string, q *docQuery, limit int) ([]P, error) {
	query := q.build(fmt.Sprintf(`SELECT doc FROM %s`, table), "id", limit)
	rows, err := r.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]P, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", table, err)
		}
		out = append(out, P(&v))
	}
	return out, rows.Err()
}

// Participant operations

func (r *PostgresRepository) CreateParticipant(ctx context.Context, p *Participant) error {
	return pgCreate(ctx, r, tableParticipants, p, ErrDuplicateParticipant)
}

func (r *PostgresRepository) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	return pgGet[Participant](ctx, r, tableParticipants, id, ErrUnknownParticipant)
}

func (r *PostgresRepository) UpdateParticipant(ctx context.Context, p *Participant) error {
	return pgUpdate(ctx, r, tableParticipants, p, ErrUnknownParticipant)
}

func (r *PostgresRepository) ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*Participant, error) {
	q := &docQuery{}
	if filter.Role != "" {
		q.eq("doc->>'role'", string(filter.Role))
	}
	if filter.Active != nil {
		q.eq("(doc->>'active')::boolean", *filter.Active)
	}
	if filter.Available != nil {
		q.eq("(doc->>'available')::boolean", *filter.Available)
	}
	if filter.MinReputation != nil {
		q.args = append(q.args, *filter.MinReputation)
		q.conds = append(q.conds, fmt.Sprintf("(doc->>'reputation')::float8 >= $%d", len(q.args)))
	}
	return pgList[Participant](ctx, r, tableParticipants, q, filter.Limit)
}

// Batch operations

func (r *PostgresRepository) CreateBatch(ctx context.Context, b *Batch) error {
	return pgCreate(ctx, r, tableBatches, b, ErrDuplicate)
}

func (r *PostgresRepository) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return pgGet[Batch](ctx, r, tableBatches, id, ErrUnknownBatch)
}

func (r *PostgresRepository) UpdateBatch(ctx context.Context, b *Batch) error {
	return pgUpdate(ctx, r, tableBatches, b, ErrUnknownBatch)
}

func (r *PostgresRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error) {
	q := &docQuery{}
	if filter.Status != "" {
		q.eq("doc->>'status'", string(filter.Status))
	}
	if filter.Proposer != "" {
		q.eq("doc->>'proposer'", filter.Proposer)
	}
	return pgList[Batch](ctx, r, tableBatches, q, filter.Limit)
}

// Shipment operations

func (r *PostgresRepository) CreateShipment(ctx context.Context, s *Shipment) error {
	return pgCreate(ctx, r, tableShipments, s, ErrDuplicate)
}

func (r *PostgresRepository) GetShipment(ctx context.Context, id string) (*Shipment, error) {
	return pgGet[Shipment](ctx, r, tableShipments, id, ErrUnknownShipment)
}

func (r *PostgresRepository) UpdateShipment(ctx context.Context, s *Shipment) error {
	return pgUpdate(ctx, r, tableShipments, s, ErrUnknownShipment)
}

func (r *PostgresRepository) ListShipments(ctx context.Context, filter ShipmentFilter) ([]*Shipment, error) {
	q := &docQuery{}
	if filter.ProductID != "" {
		q.eq("doc->>'product_id'", filter.ProductID)
	}
	if filter.Status != "" {
		q.eq("doc->>'status'", string(filter.Status))
	}
	return pgList[Shipment](ctx, r, tableShipments, q, filter.Limit)
}

// Product state operations

func (r *PostgresRepository) CreateProductState(ctx context.Context, p *ProductState) error {
	return pgCreate(ctx, r, tableProductStates, p, ErrDuplicate)
}

func (r *PostgresRepository) GetProductState(ctx context.Context, productID string) (*ProductState, error) {
	return pgGet[ProductState](ctx, r, tableProductStates, productID, ErrUnknownProduct)
}

func (r *PostgresRepository) UpdateProductState(ctx context.Context, p *ProductState) error {
	return pgUpdate(ctx, r, tableProductStates, p, ErrUnknownProduct)
}

// Delivery request operations

func (r *PostgresRepository) CreateDeliveryRequest(ctx context.Context, d *DeliveryRequest) error {
	return pgCreate(ctx, r, tableDeliveryRequests, d, ErrDuplicate)
}

func (r *PostgresRepository) GetDeliveryRequest(ctx context.Context, id string) (*DeliveryRequest, error) {
	return pgGet[DeliveryRequest](ctx, r, tableDeliveryRequests, id, ErrUnknownDeliveryRequest)
}

func (r *PostgresRepository) UpdateDeliveryRequest(ctx context.Context, d *DeliveryRequest) error {
	return pgUpdate(ctx, r, tableDeliveryRequests, d, ErrUnknownDeliveryRequest)
}

func (r *PostgresRepository) ListDeliveryRequests(ctx context.Context, filter DeliveryFilter) ([]*DeliveryRequest, error) {
	q := &docQuery{}
	if filter.ProductID != "" {
		q.eq("doc->>'product_id'", filter.ProductID)
	}
	if filter.Buyer != "" {
		q.eq("doc->>'buyer'", filter.Buyer)
	}
	if filter.Status != "" {
		q.eq("doc->>'status'", string(filter.Status))
	}
	return pgList[DeliveryRequest](ctx, r, tableDeliveryRequests, q, filter.Limit)
}

// Dispute operations

func (r *PostgresRepository) CreateDispute(ctx context.Context, d *Dispute) error {
	return pgCreate(ctx, r, tableDisputes, d, ErrDuplicate)
}

func (r *PostgresRepository) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return pgGet[Dispute](ctx, r, tableDisputes, id, ErrUnknownDispute)
}

func (r *PostgresRepository) UpdateDispute(ctx context.Context, d *Dispute) error {
	return pgUpdate(ctx, r, tableDisputes, d, ErrUnknownDispute)
}

func (r *PostgresRepository) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*Dispute, error) {
	q := &docQuery{}
	if filter.ProductID != "" {
		q.eq("doc->>'product_id'", filter.ProductID)
	}
	if filter.Status != "" {
		q.eq("doc->>'status'", string(filter.Status))
	}
	return pgList[Dispute](ctx, r, tableDisputes, q, filter.Limit)
}

// Ledger operations

func (r *PostgresRepository) AppendLedgerEntry(ctx context.Context, e *LedgerEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO ledger_entries (id, participant_id, kind, reference, doc)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ParticipantID, string(e.Kind), e.Reference, doc)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error) {
	q := &docQuery{}
	if filter.ParticipantID != "" {
		q.eq("participant_id", filter.ParticipantID)
	}
	if filter.Kind != "" {
		q.eq("kind", string(filter.Kind))
	}
	if filter.Reference != "" {
		q.eq("reference", filter.Reference)
	}

	rows, err := r.pool.Query(ctx, q.build(`SELECT doc FROM ledger_entries`, "seq", filter.Limit), q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries: %w", err)
	}
	defer rows.Close()

	out := make([]*LedgerEntry, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		var e LedgerEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decoding ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
