package data

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current version of the persisted and exchanged wire schema.
const SchemaVersion = 1

// RecordKind names the aggregate carried in an Envelope.
type RecordKind string

const (
	RecordParticipant     RecordKind = "participant"
	RecordBatch           RecordKind = "batch"
	RecordShipment        RecordKind = "shipment"
	RecordProductState    RecordKind = "product_state"
	RecordDeliveryRequest RecordKind = "delivery_request"
	RecordDispute         RecordKind = "dispute"
	RecordLedgerEntry     RecordKind = "ledger_entry"
)

// Envelope wraps a record with its schema version and kind.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Kind          RecordKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}

// KindFor returns the record kind of v.
func KindFor(v any) (RecordKind, error) {
	switch v.(type) {
	case *Participant:
		return RecordParticipant, nil
	case *Batch:
		return RecordBatch, nil
	case *Shipment:
		return RecordShipment, nil
	case *ProductState:
		return RecordProductState, nil
	case *DeliveryRequest:
		return RecordDeliveryRequest, nil
	case *Dispute:
		return RecordDispute, nil
	case *LedgerEntry:
		return RecordLedgerEntry, nil
	}
	return "", fmt.Errorf("%w: unsupported record type %T", ErrInvalidSchema, v)
}

// Encode serializes v inside a versioned envelope.
func Encode(v any) ([]byte, error) {
	kind, err := KindFor(v)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", kind, err)
	}
	return json.Marshal(Envelope{SchemaVersion: SchemaVersion, Kind: kind, Payload: payload})
}

// Decode parses an envelope produced by Encode into v. The envelope kind
// must match the type of v.
func Decode(raw []byte, v any) error {
	want, err := KindFor(v)
	if err != nil {
		return err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if env.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema version %d", ErrInvalidSchema, env.SchemaVersion)
	}
	if env.Kind != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidSchema, want, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return nil
}
