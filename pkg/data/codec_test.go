package data

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 5, 17, 9, 30, 0, 123456000, time.UTC)

func sampleBatch() *Batch {
	finalized := fixedTime.Add(time.Minute)
	return &Batch{
		ID: "batch-1",
		Transactions: []TransactionRecord{
			{
				From:      "0xManufacturer",
				To:        "0xDistributor",
				ProductID: "prod-7",
				Type:      TxTransfer,
				Value:     12.5,
				Metadata:  map[string]string{MetaShipmentID: "ship-1"},
				Timestamp: fixedTime,
				ChainID:   "l2-a",
			},
		},
		Digest:           "0xabc",
		Proposer:         "s1",
		NodeType:         RoleSecondary,
		Status:           BatchValidated,
		EligibleVoters:   []EligibleVoter{{ID: "p1", Weight: 90}, {ID: "p2", Weight: 45.5}},
		Votes:            []Vote{{Voter: "p1", Approve: true, Weight: 90, Timestamp: fixedTime}},
		ConsensusReached: true,
		ApprovalShare:    0.6642335766423357,
		VotingDeadline:   fixedTime.Add(10 * time.Minute),
		CreatedAt:        fixedTime,
		FinalizedAt:      &finalized,
		Version:          3,
	}
}

func sampleDispute() *Dispute {
	return &Dispute{
		ID:                   "d-1",
		Type:                 "quality",
		InvolvedParties:      []string{"buyer-1", "man-1"},
		ProductID:            "prod-7",
		Description:          "damaged on arrival",
		Initiator:            "buyer-1",
		Evidence:             []Evidence{{CID: "bafkreibm6jg3ux5qumhcn2b3flc3tyu6dmlb4xa7u5bf44yegnrjhc4yeq", Description: "photo", SubmittedBy: "buyer-1", SubmittedAt: fixedTime}},
		CandidateArbitrators: []string{"arb-1", "arb-2"},
		AssignedArbitrator:   "arb-1",
		EligibleVoters:       []EligibleVoter{{ID: "buyer-1", Weight: 1}, {ID: "arb-1", Weight: 2}},
		Votes:                []Vote{{Voter: "arb-1", Approve: true, Weight: 2, Reason: "photos conclusive", Timestamp: fixedTime}},
		Status:               DisputeVoting,
		Decision:             DecisionNone,
		VotingDeadline:       fixedTime.Add(72 * time.Hour),
		CreatedAt:            fixedTime,
		Version:              2,
	}
}

func sampleDelivery() *DeliveryRequest {
	assigned := fixedTime.Add(time.Hour)
	delivered := fixedTime.Add(20 * time.Hour)
	return &DeliveryRequest{
		ID:                   "dr-1",
		ProductID:            "prod-7",
		Buyer:                "buyer-1",
		Manufacturer:         "man-1",
		AssignedTransporters: []string{"t1", "t2"},
		DistanceMiles:        300,
		Priority:             PriorityExpress,
		Status:               DeliveryDelivered,
		StageUpdates: []StageUpdate{
			{StageNumber: 1, TotalStages: 2, LocationFrom: "A", LocationTo: "B", Transporter: "t1", Timestamp: fixedTime.Add(5 * time.Hour)},
			{StageNumber: 2, TotalStages: 2, LocationFrom: "B", LocationTo: "C", Transporter: "t2", Timestamp: delivered, IsFinalStage: true},
		},
		EstimatedHours: 6,
		AssignedAt:     &assigned,
		DeliveredAt:    &delivered,
		Receipt: &Receipt{
			Buyer:                 "buyer-1",
			VerificationPassed:    true,
			AuthenticityPassed:    true,
			ConditionSatisfactory: false,
			Notes:                 "box dented",
			ConfirmedAt:           delivered.Add(time.Hour),
		},
		CreatedAt: fixedTime,
		Version:   6,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value any
		empty func() any
	}{
		{"batch", sampleBatch(), func() any { return &Batch{} }},
		{"dispute", sampleDispute(), func() any { return &Dispute{} }},
		{"delivery request", sampleDelivery(), func() any { return &DeliveryRequest{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.value)
			require.NoError(t, err)

			out := tt.empty()
			require.NoError(t, Decode(raw, out))
			assert.Equal(t, tt.value, out)
		})
	}
}

func TestEncodeWritesEnvelope(t *testing.T) {
	raw, err := Encode(sampleBatch())
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, RecordBatch, env.Kind)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "batch-1", payload["batch_id"])
	assert.Equal(t, "validated", payload["status"])
}

func TestDecodeRejectsMismatches(t *testing.T) {
	raw, err := Encode(sampleBatch())
	require.NoError(t, err)

	err = Decode(raw, &Dispute{})
	assert.ErrorIs(t, err, ErrInvalidSchema)
	assert.ErrorIs(t, err, ErrValidation)

	future, err := json.Marshal(Envelope{SchemaVersion: 99, Kind: RecordBatch, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.ErrorIs(t, Decode(future, &Batch{}), ErrInvalidSchema)

	assert.ErrorIs(t, Decode([]byte("not json"), &Batch{}), ErrInvalidSchema)

	_, err = Encode(struct{}{})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestCoreErrorCategories(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), ErrDuplicateVote)
	assert.ErrorIs(t, wrapped, ErrDuplicateVote)
	assert.ErrorIs(t, wrapped, ErrConflict)
	assert.NotErrorIs(t, wrapped, ErrValidation)
	assert.NotErrorIs(t, ErrDuplicateVote, ErrDuplicateParticipant)

	assert.Equal(t, KindState, KindOf(ErrVotingClosed))
	assert.Equal(t, KindResource, KindOf(ErrInsufficientTransporters))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Contains(t, ErrEmptyBatch.Error(), "EmptyBatch")
}

func TestParticipantValidate(t *testing.T) {
	p := testParticipant("p1", RolePrimary)
	assert.NoError(t, p.Validate())
	assert.InDelta(t, 90.0, p.Weight(), 1e-9)

	p.Role = "auditor"
	assert.ErrorIs(t, p.Validate(), ErrInvalidParticipant)

	p = testParticipant("p1", RolePrimary)
	p.TrustScore = 1.2
	assert.ErrorIs(t, p.Validate(), ErrInvalidParticipant)
}

func TestTransactionValidate(t *testing.T) {
	tx := TransactionRecord{From: "a", To: "b", ProductID: "p", Type: TxTransfer}
	assert.NoError(t, tx.Validate())

	tx.Type = "teleport"
	assert.ErrorIs(t, tx.Validate(), ErrInvalidTransaction)

	mint := TransactionRecord{To: "m", ProductID: "p", Type: TxManufacture}
	assert.NoError(t, mint.Validate())
}
