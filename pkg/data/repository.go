package data

import (
	"context"
)

// Repository defines the interface for aggregate persistence.
//
// Update methods perform a compare-and-swap on the aggregate version: the
// stored version must equal the version carried by the argument, otherwise
// ErrConcurrentModification is returned and nothing is written. On success
// the argument's version is advanced to the stored one.
type Repository interface {
	// Participant operations
	CreateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id string) (*Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error
	ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*Participant, error)

	// Batch operations
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	UpdateBatch(ctx context.Context, b *Batch) error
	ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error)

	// Shipment operations
	CreateShipment(ctx context.Context, s *Shipment) error
	GetShipment(ctx context.Context, id string) (*Shipment, error)
	UpdateShipment(ctx context.Context, s *Shipment) error
	ListShipments(ctx context.Context, filter ShipmentFilter) ([]*Shipment, error)

	// Product state operations
	CreateProductState(ctx context.Context, p *ProductState) error
	GetProductState(ctx context.Context, productID string) (*ProductState, error)
	UpdateProductState(ctx context.Context, p *ProductState) error

	// Delivery request operations
	CreateDeliveryRequest(ctx context.Context, d *DeliveryRequest) error
	GetDeliveryRequest(ctx context.Context, id string) (*DeliveryRequest, error)
	UpdateDeliveryRequest(ctx context.Context, d *DeliveryRequest) error
	ListDeliveryRequests(ctx context.Context, filter DeliveryFilter) ([]*DeliveryRequest, error)

	// Dispute operations
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]*Dispute, error)

	// Ledger operations
	AppendLedgerEntry(ctx context.Context, e *LedgerEntry) error
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error)

	Close()
}

// ParticipantFilter defines filter parameters for participant queries
type ParticipantFilter struct {
	Role          Role
	Active        *bool
	Available     *bool
	MinReputation *float64
	Limit         int
}

func (f ParticipantFilter) match(p *Participant) bool {
	if f.Role != "" && p.Role != f.Role {
		return false
	}
	if f.Active != nil && p.Active != *f.Active {
		return false
	}
	if f.Available != nil && p.Available != *f.Available {
		return false
	}
	if f.MinReputation != nil && p.Reputation < *f.MinReputation {
		return false
	}
	return true
}

// BatchFilter defines filter parameters for batch queries
type BatchFilter struct {
	Status   BatchStatus
	Proposer string
	Limit    int
}

func (f BatchFilter) match(b *Batch) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return f.Proposer == "" || b.Proposer == f.Proposer
}

// ShipmentFilter defines filter parameters for shipment queries
type ShipmentFilter struct {
	ProductID string
	Status    ShipmentStatus
	Limit     int
}

func (f ShipmentFilter) match(s *Shipment) bool {
	if f.ProductID != "" && s.ProductID != f.ProductID {
		return false
	}
	return f.Status == "" || s.Status == f.Status
}

// DeliveryFilter defines filter parameters for delivery request queries
type DeliveryFilter struct {
	ProductID string
	Buyer     string
	Status    DeliveryStatus
	Limit     int
}

func (f DeliveryFilter) match(d *DeliveryRequest) bool {
	if f.ProductID != "" && d.ProductID != f.ProductID {
		return false
	}
	if f.Buyer != "" && d.Buyer != f.Buyer {
		return false
	}
	return f.Status == "" || d.Status == f.Status
}

// DisputeFilter defines filter parameters for dispute queries
type DisputeFilter struct {
	ProductID string
	Status    DisputeStatus
	Limit     int
}

func (f DisputeFilter) match(d *Dispute) bool {
	if f.ProductID != "" && d.ProductID != f.ProductID {
		return false
	}
	return f.Status == "" || d.Status == f.Status
}

// LedgerFilter defines filter parameters for ledger queries
type LedgerFilter struct {
	ParticipantID string
	Kind          LedgerKind
	Reference     string
	Limit         int
}

func (f LedgerFilter) match(e *LedgerEntry) bool {
	if f.ParticipantID != "" && e.ParticipantID != f.ParticipantID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return f.Reference == "" || e.Reference == f.Reference
}
