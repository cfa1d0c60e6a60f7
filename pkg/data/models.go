package data

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the function a participant plays in the network.
type Role string

const (
	RolePrimary      Role = "primary"
	RoleSecondary    Role = "secondary"
	RoleTransporter  Role = "transporter"
	RoleArbitrator   Role = "arbitrator"
	RoleBuyer        Role = "buyer"
	RoleManufacturer Role = "manufacturer"
)

// Roles lists every known role.
var Roles = []Role{RolePrimary, RoleSecondary, RoleTransporter, RoleArbitrator, RoleBuyer, RoleManufacturer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// IsNode reports whether the role may propose batches.
func (r Role) IsNode() bool {
	return r == RolePrimary || r == RoleSecondary
}

// TxType classifies a supply-chain transaction.
type TxType string

const (
	TxTransfer         TxType = "transfer"
	TxManufacture      TxType = "manufacture"
	TxShipmentDispatch TxType = "shipment_dispatch"
	TxShipmentDelivery TxType = "shipment_delivery"
	TxPayment          TxType = "payment"
)

func (t TxType) Valid() bool {
	switch t {
	case TxTransfer, TxManufacture, TxShipmentDispatch, TxShipmentDelivery, TxPayment:
		return true
	}
	return false
}

// MetaShipmentID is the transaction metadata key linking a transaction to a shipment.
const MetaShipmentID = "shipment_id"

type BatchStatus string

const (
	BatchProposed  BatchStatus = "proposed"
	BatchValidated BatchStatus = "validated"
	BatchRejected  BatchStatus = "rejected"
)

type ShipmentStatus string

const (
	ShipmentPending   ShipmentStatus = "pending"
	ShipmentApproved  ShipmentStatus = "approved"
	ShipmentRejected  ShipmentStatus = "rejected"
	ShipmentInTransit ShipmentStatus = "in_transit"
	ShipmentDelivered ShipmentStatus = "delivered"
)

type DeliveryStatus string

const (
	DeliveryPendingAssignment DeliveryStatus = "pending_assignment"
	DeliveryAssigned          DeliveryStatus = "assigned"
	DeliveryInProgress        DeliveryStatus = "delivery_in_progress"
	DeliveryDelivered         DeliveryStatus = "delivered"
)

type Priority string

const (
	PriorityStandard Priority = "standard"
	PriorityExpress  Priority = "express"
	PriorityUrgent   Priority = "urgent"
)

func (p Priority) Valid() bool {
	return p == PriorityStandard || p == PriorityExpress || p == PriorityUrgent
}

type DisputeStatus string

const (
	DisputeInitiated DisputeStatus = "initiated"
	DisputeVoting    DisputeStatus = "voting"
	DisputeDecided   DisputeStatus = "decided"
)

type Decision string

const (
	DecisionNone      Decision = ""
	DecisionUpheld    Decision = "upheld"
	DecisionDismissed Decision = "dismissed"
)

// LedgerKind names an outcome or escrow signal recorded in the ledger.
type LedgerKind string

const (
	OutcomeSuccessfulDelivery LedgerKind = "successful_delivery"
	OutcomeOnTime             LedgerKind = "on_time"
	OutcomeExcellentCondition LedgerKind = "excellent_condition"
	OutcomeFailedDelivery     LedgerKind = "failed_delivery"
	OutcomeLateDelivery       LedgerKind = "late_delivery"
	OutcomePoorCondition      LedgerKind = "poor_condition"
	OutcomeProposalValidated  LedgerKind = "proposal_validated"
	OutcomeProposalRejected   LedgerKind = "proposal_rejected"
	OutcomeDisputeLost        LedgerKind = "dispute_lost"
	OutcomeArbitrationAligned LedgerKind = "arbitration_aligned"
	LedgerEscrow              LedgerKind = "escrow"
)

type EscrowAction string

const (
	EscrowRelease  EscrowAction = "release"
	EscrowWithhold EscrowAction = "withhold"
)

// Aggregate is implemented by every versioned record held in a Repository.
type Aggregate interface {
	AggregateID() string
	AggregateVersion() int64
	SetAggregateVersion(v int64)
}

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.New().String()
}

// Participant is a registered network member.
type Participant struct {
	ID                    string    `json:"id"`
	Role                  Role      `json:"role"`
	Stake                 float64   `json:"stake"`
	TrustScore            float64   `json:"trust_score"`
	Reputation            float64   `json:"reputation"`
	Available             bool      `json:"available"`
	Active                bool      `json:"active"`
	Expertise             []string  `json:"expertise"`
	ResolutionSuccessRate float64   `json:"resolution_success_rate"`
	TotalCasesHandled     int       `json:"total_cases_handled"`
	RegisteredAt          time.Time `json:"registered_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	Version               int64     `json:"version"`
}

func (p *Participant) AggregateID() string         { return p.ID }
func (p *Participant) AggregateVersion() int64     { return p.Version }
func (p *Participant) SetAggregateVersion(v int64) { p.Version = v }

// Weight is the voting weight of the participant: stake scaled by trust.
func (p *Participant) Weight() float64 {
	return p.Stake * p.TrustScore
}

// HasExpertise reports whether the participant lists area (case-insensitive).
func (p *Participant) HasExpertise(area string) bool {
	for _, e := range p.Expertise {
		if strings.EqualFold(e, area) {
			return true
		}
	}
	return false
}

// Validate checks if the participant is well formed
func (p *Participant) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidParticipant)
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidParticipant, p.Role)
	}
	if p.Stake < 0 {
		return fmt.Errorf("%w: negative stake", ErrInvalidParticipant)
	}
	if p.TrustScore < 0 || p.TrustScore > 1 {
		return fmt.Errorf("%w: trust score out of range", ErrInvalidParticipant)
	}
	if p.Reputation < 0 || p.Reputation > 1 {
		return fmt.Errorf("%w: reputation out of range", ErrInvalidParticipant)
	}
	return nil
}

// TransactionRecord is a single supply-chain event carried in a batch.
type TransactionRecord struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	ProductID string            `json:"product_id"`
	Type      TxType            `json:"type"`
	Value     float64           `json:"value"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp time.Time         `json:"timestamp"`
	ChainID   string            `json:"chain_id"`
}

func (t *TransactionRecord) Validate() error {
	if t.ProductID == "" {
		return fmt.Errorf("%w: missing product id", ErrInvalidTransaction)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, t.Type)
	}
	if t.From == "" && t.Type != TxManufacture {
		return fmt.Errorf("%w: missing sender", ErrInvalidTransaction)
	}
	if t.Value < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidTransaction)
	}
	return nil
}

// Vote is a single weighted ballot.
type Vote struct {
	Voter     string    `json:"voter"`
	Approve   bool      `json:"approve"`
	Weight    float64   `json:"weight"`
	Reason    string    `json:"reason"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// EligibleVoter is a weight snapshot taken when voting opens.
type EligibleVoter struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight"`
}

// HasVoted reports whether voter already appears in votes.
func HasVoted(votes []Vote, voter string) bool {
	for _, v := range votes {
		if v.Voter == voter {
			return true
		}
	}
	return false
}

// FindEligible looks up id in an eligibility snapshot.
func FindEligible(eligible []EligibleVoter, id string) (EligibleVoter, bool) {
	for _, e := range eligible {
		if e.ID == id {
			return e, true
		}
	}
	return EligibleVoter{}, false
}

// Batch groups transactions for weighted validation.
type Batch struct {
	ID               string              `json:"batch_id"`
	Transactions     []TransactionRecord `json:"transactions"`
	Digest           string              `json:"digest"`
	Proposer         string              `json:"proposer"`
	NodeType         Role                `json:"node_type"`
	Status           BatchStatus         `json:"status"`
	EligibleVoters   []EligibleVoter     `json:"eligible_voters"`
	Votes            []Vote              `json:"votes"`
	ConsensusReached bool                `json:"consensus_reached"`
	ApprovalShare    float64             `json:"approval_share"`
	VotingDeadline   time.Time           `json:"voting_deadline"`
	CreatedAt        time.Time           `json:"created_at"`
	FinalizedAt      *time.Time          `json:"finalized_at,omitempty"`
	Version          int64               `json:"version"`
}

func (b *Batch) AggregateID() string         { return b.ID }
func (b *Batch) AggregateVersion() int64     { return b.Version }
func (b *Batch) SetAggregateVersion(v int64) { b.Version = v }

// IsTerminal reports whether the batch has been validated or rejected.
func (b *Batch) IsTerminal() bool {
	return b.Status == BatchValidated || b.Status == BatchRejected
}

// Shipment is a proposed movement of a product that peers vote on.
type Shipment struct {
	ID             string          `json:"shipment_id"`
	ProductID      string          `json:"product_id"`
	StartLocation  string          `json:"start_location"`
	EndLocation    string          `json:"end_location"`
	Distance       float64         `json:"distance"`
	TransportFee   float64         `json:"transport_fee"`
	MetadataCID    string          `json:"metadata_cid"`
	Proposer       string          `json:"proposer"`
	Status         ShipmentStatus  `json:"status"`
	EligibleVoters []EligibleVoter `json:"eligible_voters"`
	Votes          []Vote          `json:"consensus_votes"`
	ApprovalShare  float64         `json:"approval_share"`
	VotingDeadline time.Time       `json:"voting_deadline"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `json:"version"`
}

func (s *Shipment) AggregateID() string         { return s.ID }
func (s *Shipment) AggregateVersion() int64     { return s.Version }
func (s *Shipment) SetAggregateVersion(v int64) { s.Version = v }

// ProductState is the committed view of a product built from validated batches.
type ProductState struct {
	ProductID           string    `json:"product_id"`
	Owner               string    `json:"owner"`
	ChainID             string    `json:"chain_id"`
	Stakeholders        []string  `json:"stakeholders"`
	CommittedBatches    []string  `json:"committed_batches"`
	LastTransactionType TxType    `json:"last_transaction_type"`
	UpdatedAt           time.Time `json:"updated_at"`
	Version             int64     `json:"version"`
}

func (p *ProductState) AggregateID() string         { return p.ProductID }
func (p *ProductState) AggregateVersion() int64     { return p.Version }
func (p *ProductState) SetAggregateVersion(v int64) { p.Version = v }

// AddStakeholder appends id if it is not already listed.
func (p *ProductState) AddStakeholder(id string) {
	if id == "" || p.IsStakeholder(id) {
		return
	}
	p.Stakeholders = append(p.Stakeholders, id)
}

func (p *ProductState) IsStakeholder(id string) bool {
	for _, s := range p.Stakeholders {
		if s == id {
			return true
		}
	}
	return false
}

// StageUpdate records one completed leg of a delivery.
type StageUpdate struct {
	StageNumber  int       `json:"stage_number"`
	TotalStages  int       `json:"total_stages"`
	LocationFrom string    `json:"location_from"`
	LocationTo   string    `json:"location_to"`
	Transporter  string    `json:"transporter"`
	Timestamp    time.Time `json:"timestamp"`
	IsFinalStage bool      `json:"is_final_stage"`
}

// Receipt is the buyer's confirmation of a completed delivery.
type Receipt struct {
	Buyer                 string    `json:"buyer"`
	VerificationPassed    bool      `json:"verification_passed"`
	AuthenticityPassed    bool      `json:"authenticity_passed"`
	ConditionSatisfactory bool      `json:"condition_satisfactory"`
	Notes                 string    `json:"notes"`
	ConfirmedAt           time.Time `json:"confirmed_at"`
}

// DeliveryRequest tracks a multi-leg delivery from manufacturer to buyer.
type DeliveryRequest struct {
	ID                   string         `json:"delivery_request_id"`
	ProductID            string         `json:"product_id"`
	Buyer                string         `json:"buyer"`
	Manufacturer         string         `json:"manufacturer"`
	AssignedTransporters []string       `json:"assigned_transporters"`
	DistanceMiles        float64        `json:"distance_miles"`
	Priority             Priority       `json:"priority"`
	Status               DeliveryStatus `json:"status"`
	StageUpdates         []StageUpdate  `json:"stage_updates"`
	EstimatedHours       float64        `json:"estimated_hours"`
	AssignedAt           *time.Time     `json:"assigned_at,omitempty"`
	DeliveredAt          *time.Time     `json:"delivered_at,omitempty"`
	Receipt              *Receipt       `json:"receipt,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	Version              int64          `json:"version"`
}

func (d *DeliveryRequest) AggregateID() string         { return d.ID }
func (d *DeliveryRequest) AggregateVersion() int64     { return d.Version }
func (d *DeliveryRequest) SetAggregateVersion(v int64) { d.Version = v }

// IsParty reports whether id is the buyer, manufacturer or an assigned transporter.
func (d *DeliveryRequest) IsParty(id string) bool {
	if id == d.Buyer || id == d.Manufacturer {
		return true
	}
	for _, t := range d.AssignedTransporters {
		if t == id {
			return true
		}
	}
	return false
}

// Evidence references content held in the metadata store by CID.
type Evidence struct {
	CID         string    `json:"cid"`
	Description string    `json:"description"`
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Dispute is a challenge raised by a product stakeholder.
type Dispute struct {
	ID                   string          `json:"dispute_id"`
	Type                 string          `json:"type"`
	InvolvedParties      []string        `json:"involved_parties"`
	ProductID            string          `json:"product_id"`
	Description          string          `json:"description"`
	Initiator            string          `json:"initiator"`
	Evidence             []Evidence      `json:"evidence"`
	CandidateArbitrators []string        `json:"candidate_arbitrators"`
	AssignedArbitrator   string          `json:"assigned_arbitrator"`
	EligibleVoters       []EligibleVoter `json:"eligible_voters"`
	Votes                []Vote          `json:"votes"`
	Status               DisputeStatus   `json:"status"`
	Decision             Decision        `json:"decision"`
	ApprovalShare        float64         `json:"approval_share"`
	VotingDeadline       time.Time       `json:"voting_deadline"`
	CreatedAt            time.Time       `json:"created_at"`
	DecidedAt            *time.Time      `json:"decided_at,omitempty"`
	Version              int64           `json:"version"`
}

func (d *Dispute) AggregateID() string         { return d.ID }
func (d *Dispute) AggregateVersion() int64     { return d.Version }
func (d *Dispute) SetAggregateVersion(v int64) { d.Version = v }

// LedgerEntry is an append-only record of an incentive adjustment or escrow signal.
type LedgerEntry struct {
	ID              string       `json:"id"`
	ParticipantID   string       `json:"participant_id"`
	Kind            LedgerKind   `json:"kind"`
	ReputationDelta float64      `json:"reputation_delta"`
	StakeDelta      float64      `json:"stake_delta"`
	Reference       string       `json:"reference"`
	EscrowAction    EscrowAction `json:"escrow_action"`
	Beneficiary     string       `json:"beneficiary"`
	Note            string       `json:"note"`
	Timestamp       time.Time    `json:"timestamp"`
}
