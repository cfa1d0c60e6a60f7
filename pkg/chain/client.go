// Package chain submits settled state transitions to a settlement chain.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt statuses.
const (
	StatusAccepted = "accepted"
	StatusReverted = "reverted"
)

var (
	// ErrRejected marks a submission the chain refused outright; resubmitting
	// it unchanged cannot succeed.
	ErrRejected = errors.New("transition rejected")
	// ErrReverted marks a transition that was included but reverted.
	ErrReverted = errors.New("transition reverted")
)

// Transition is a terminal state change addressed to a chain.
type Transition struct {
	ChainID     string            `json:"chainId"`
	EventType   string            `json:"eventType"`
	EventID     string            `json:"eventId"`
	AggregateID string            `json:"aggregateId"`
	Status      string            `json:"status"`
	Attributes  map[string]string `json:"attributes"`
	Timestamp   time.Time         `json:"timestamp"`
	Digest      string            `json:"digest"`
}

// ComputeDigest returns the Keccak-256 digest of every field but Digest.
func (t *Transition) ComputeDigest() (common.Hash, error) {
	body := *t
	body.Digest = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encoding transition: %w", err)
	}
	return crypto.Keccak256Hash(raw), nil
}

// Seal stamps the transition with its digest.
func (t *Transition) Seal() error {
	h, err := t.ComputeDigest()
	if err != nil {
		return err
	}
	t.Digest = h.Hex()
	return nil
}

// Receipt acknowledges a submitted transition.
type Receipt struct {
	TxHash      string `json:"txHash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// Client submits transitions to a chain.
type Client interface {
	Submit(ctx context.Context, t *Transition) (*Receipt, error)
}

// LocalClient accepts every transition in process. It stands in for a chain
// during development and tests.
type LocalClient struct {
	mu          sync.Mutex
	transitions []Transition
	block       *big.Int
}

func NewLocalClient() *LocalClient {
	return &LocalClient{block: new(big.Int)}
}

func (c *LocalClient) Submit(ctx context.Context, t *Transition) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := hexutil.Decode(t.Digest)
	if err != nil || len(digest) != common.HashLength {
		return nil, fmt.Errorf("%w: malformed digest %q", ErrRejected, t.Digest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.block.Add(c.block, common.Big1)
	c.transitions = append(c.transitions, *t)
	tx := crypto.Keccak256Hash(digest, common.BigToHash(c.block).Bytes())
	return &Receipt{
		TxHash:      tx.Hex(),
		Status:      StatusAccepted,
		BlockNumber: c.block.Uint64(),
	}, nil
}

// Transitions returns the accepted transitions in submission order.
func (c *LocalClient) Transitions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition(nil), c.transitions...)
}
