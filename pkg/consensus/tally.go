// Package consensus runs weighted supermajority voting over transaction
// batches and shipments.
package consensus

import (
	"time"

	"scm_multichain/pkg/data"
)

const epsilon = 1e-9

// Deadline kinds registered with the sweeper.
const (
	DeadlineBatch    = "batch"
	DeadlineShipment = "shipment"
)

// DeadlineTracker receives voting deadlines so an elapsed aggregate can be
// finalized without further votes.
type DeadlineTracker interface {
	Track(kind, id string, at time.Time)
	Forget(kind, id string)
}

// Result is the outcome of a weighted tally.
type Result struct {
	ApproveWeight  float64
	RejectWeight   float64
	EligibleWeight float64
	Share          float64
	Votes          int
	Accepted       bool
	Decided        bool
}

// Tally weighs votes against the eligibility snapshot. The share is approve
// weight over total eligible weight, so abstentions count against. Votes from
// voters outside the snapshot and repeat votes are ignored. Decided is set
// once the outcome cannot change with the remaining votes.
func Tally(votes []data.Vote, eligible []data.EligibleVoter, threshold float64) Result {
	weights := make(map[string]float64, len(eligible))
	var res Result
	for _, e := range eligible {
		if _, dup := weights[e.ID]; dup {
			continue
		}
		weights[e.ID] = e.Weight
		res.EligibleWeight += e.Weight
	}

	seen := make(map[string]bool, len(votes))
	for _, v := range votes {
		w, ok := weights[v.Voter]
		if !ok || seen[v.Voter] {
			continue
		}
		seen[v.Voter] = true
		res.Votes++
		if v.Approve {
			res.ApproveWeight += w
		} else {
			res.RejectWeight += w
		}
	}

	if res.EligibleWeight <= 0 {
		res.Decided = true
		return res
	}
	res.Share = res.ApproveWeight / res.EligibleWeight
	res.Accepted = res.Share+epsilon >= threshold

	remaining := res.EligibleWeight - res.ApproveWeight - res.RejectWeight
	best := (res.ApproveWeight + remaining) / res.EligibleWeight
	res.Decided = res.Accepted || remaining <= epsilon || best+epsilon < threshold
	return res
}
