package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const (
	tableParticipants     = "participants"
	tableBatches          = "batches"
	tableShipments        = "shipments"
	tableProductStates    = "product_states"
	tableDeliveryRequests = "delivery_requests"
	tableDisputes         = "disputes"
)

type memDoc struct {
	version int64
	raw     []byte
}

// MemoryRepository keeps aggregates as JSON documents in process memory.
// Every read decodes a fresh copy, so callers never share state with the store.
type MemoryRepository struct {
	mu     sync.RWMutex
	tables map[string]map[string]memDoc
	ledger [][]byte
	logger *zap.Logger
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository(logger *zap.Logger) *MemoryRepository {
	return &MemoryRepository{
		tables: make(map[string]map[string]memDoc),
		logger: logger,
	}
}

// Close is a no-op for the in-memory store
func (r *MemoryRepository) Close() {}

func (r *MemoryRepository) table(name string) map[string]memDoc {
	t, ok := r.tables[name]
	if !ok {
		t = make(map[string]memDoc)
		r.tables[name] = t
	}
	return t
}

func memCreate(r *MemoryRepository, table string, v Aggregate, dup error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table(table)
	id := v.AggregateID()
	if id == "" {
		return fmt.Errorf("%w: empty %s id", ErrValidation, table)
	}
	if _, exists := t[id]; exists {
		return dup
	}

	prev := v.AggregateVersion()
	v.SetAggregateVersion(1)
	raw, err := json.Marshal(v)
	if err != nil {
		v.SetAggregateVersion(prev)
		return fmt.Errorf("encoding %s %s: %w", table, id, err)
	}
	t[id] = memDoc{version: 1, raw: raw}
	return nil
}

func memUpdate(r *MemoryRepository, table string, v Aggregate, notFound error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table(table)
	id := v.AggregateID()
	cur, ok := t[id]
	if !ok {
		return notFound
	}
	expected := v.AggregateVersion()
	if cur.version != expected {
		return fmt.Errorf("%w: %s %s at version %d, have %d", ErrConcurrentModification, table, id, cur.version, expected)
	}

	v.SetAggregateVersion(expected + 1)
	raw, err := json.Marshal(v)
	if err != nil {
		v.SetAggregateVersion(expected)
		return fmt.Errorf("encoding %s %s: %w", table, id, err)
	}
	t[id] = memDoc{version: expected + 1, raw: raw}
	return nil
}

func memGet[T any, P interface {
	*T
	Aggregate
}](r *MemoryRepository, table, id string, notFound error) (P, error) {
	r.mu.RLock()
	doc, ok := r.table(table)[id]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound
	}

	var v T
	if err := json.Unmarshal(doc.raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", table, id, err)
	}
	return P(&v), nil
}

func memList[T any, P interface {
	*T
	Aggregate
}](r *MemoryRepository, table string, match func(P) bool, limit int) ([]P, error) {
	r.mu.RLock()
	docs := make([]memDoc, 0, len(r.tables[table]))
	ids := make([]string, 0, len(r.tables[table]))
	for id := range r.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		docs = append(docs, r.tables[table][id])
	}
	r.mu.RUnlock()

	out := make([]P, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc.raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", table, err)
		}
		p := P(&v)
		if match(p) {
			out = append(out, p)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Participant operations

func (r *MemoryRepository) CreateParticipant(ctx context.Context, p *Participant) error {
	return memCreate(r, tableParticipants, p, ErrDuplicateParticipant)
}

func (r *MemoryRepository) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	return memGet[Participant](r, tableParticipants, id, ErrUnknownParticipant)
}

func (r *MemoryRepository) UpdateParticipant(ctx context.Context, p *Participant) error {
	return memUpdate(r, tableParticipants, p, ErrUnknownParticipant)
}

func (r *MemoryRepository) ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*Participant, error) {
	return memList[Participant](r, tableParticipants, filter.match, filter.Limit)
}

// Batch operations

func (r *MemoryRepository) CreateBatch(ctx context.Context, b *Batch) error {
	return memCreate(r, tableBatches, b, ErrDuplicate)
}

func (r *MemoryRepository) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return memGet[Batch](r, tableBatches, id, ErrUnknownBatch)
}

func (r *MemoryRepository) UpdateBatch(ctx context.Context, b *Batch) error {
	return memUpdate(r, tableBatches, b, ErrUnknownBatch)
}

func (r *MemoryRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error) {
	return memList[Batch](r, tableBatches, filter.match, filter.Limit)
}

// Shipment operations

func (r *MemoryRepository) CreateShipment(ctx context.Context, s *Shipment) error {
	return memCreate(r, tableShipments, s, ErrDuplicate)
}

func (r *MemoryRepository) GetShipment(ctx context.Context, id string) (*Shipment, error) {
	return memGet[Shipment](r, tableShipments, id, ErrUnknownShipment)
}

func (r *MemoryRepository) UpdateShipment(ctx context.Context, s *Shipment) error {
	return memUpdate(r, tableShipments, s, ErrUnknownShipment)
}

func (r *MemoryRepository) ListShipments(ctx context.Context, filter ShipmentFilter) ([]*Shipment, error) {
	return memList[Shipment](r, tableShipments, filter.match, filter.Limit)
}

// Product state operations

func (r *MemoryRepository) CreateProductState(ctx context.Context, p *ProductState) error {
	return memCreate(r, tableProductStates, p, ErrDuplicate)
}

func (r *MemoryRepository) GetProductState(ctx context.Context, productID string) (*ProductState, error) {
	return memGet[ProductState](r, tableProductStates, productID, ErrUnknownProduct)
}

func (r *MemoryRepository) UpdateProductState(ctx context.Context, p *ProductState) error {
	return memUpdate(r, tableProductStates, p, ErrUnknownProduct)
}

// Delivery request operations

func (r *MemoryRepository) CreateDeliveryRequest(ctx context.Context, d *DeliveryRequest) error {
	return memCreate(r, tableDeliveryRequests, d, ErrDuplicate)
}

func (r *MemoryRepository) GetDeliveryRequest(ctx context.Context, id string) (*DeliveryRequest, error) {
	return memGet[DeliveryRequest](r, tableDeliveryRequests, id, ErrUnknownDeliveryRequest)
}

func (r *MemoryRepository) UpdateDeliveryRequest(ctx context.Context, d *DeliveryRequest) error {
	return memUpdate(r, tableDeliveryRequests, d, ErrUnknownDeliveryRequest)
}

func (r *MemoryRepository) ListDeliveryRequests(ctx context.Context, filter DeliveryFilter) ([]*DeliveryRequest, error) {
	return memList[DeliveryRequest](r, tableDeliveryRequests, filter.match, filter.Limit)
}

// Dispute operations

func (r *MemoryRepository) CreateDispute(ctx context.Context, d *Dispute) error {
	return memCreate(r, tableDisputes, d, ErrDuplicate)
}

func (r *MemoryRepository) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return memGet[Dispute](r, tableDisputes, id, ErrUnknownDispute)
}

func (r *MemoryRepository) UpdateDispute(ctx context.Context, d *Dispute) error {
	return memUpdate(r, tableDisputes, d, ErrUnknownDispute)
}

func (r *MemoryRepository) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*Dispute, error) {
	return memList[Dispute](r, tableDisputes, filter.match, filter.Limit)
}

// Ledger operations

func (r *MemoryRepository) AppendLedgerEntry(ctx context.Context, e *LedgerEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}

	r.mu.Lock()
	r.ledger = append(r.ledger, raw)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error) {
	r.mu.RLock()
	raws := make([][]byte, len(r.ledger))
	copy(raws, r.ledger)
	r.mu.RUnlock()

	out := make([]*LedgerEntry, 0)
	for _, raw := range raws {
		var e LedgerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decoding ledger entry: %w", err)
		}
		if filter.match(&e) {
			out = append(out, &e)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, nil
}
