package proposal

import (
	"math/big"
	"time"
)

type Status string

const (
	StatusPendingReview  Status = "pending_review"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusOnChainPending Status = "on_chain_pending"
	StatusActive         Status = "active"
	StatusExecuted       Status = "executed"
)

// rank orders statuses along the lifecycle. Terminal statuses share the top rank.
var rank = map[Status]int{
	StatusPendingReview:  0,
	StatusApproved:       1,
	StatusOnChainPending: 2,
	StatusActive:         3,
	StatusRejected:       4,
	StatusExecuted:       4,
}

var edges = map[Status][]Status{
	StatusPendingReview:  {StatusApproved, StatusRejected},
	StatusApproved:       {StatusOnChainPending},
	StatusOnChainPending: {StatusActive, StatusRejected},
	StatusActive:         {StatusExecuted, StatusRejected},
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return rank[to] > rank[from]
		}
	}
	return false
}

// Next returns the statuses reachable from s in one step.
func (s Status) Next() []Status {
	return append([]Status(nil), edges[s]...)
}

type Source string

const (
	SourceAPI       Source = "api"
	SourceWebhook   Source = "webhook"
	SourceWatcher   Source = "watcher"
	SourceTask      Source = "task"
	SourceReconcile Source = "reconcile"
)

type Proposal struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	Recipient    string    `json:"recipient"`
	Amount       *big.Int  `json:"amount"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Status       Status    `json:"status"`
	OnChainID    *big.Int  `json:"on_chain_id,omitempty"`
	OnChainTxRef string    `json:"on_chain_tx_ref,omitempty"`
	ReviewTxRef  string    `json:"review_tx_ref,omitempty"`
	Discrepancy  bool      `json:"discrepancy"`
}

func (p *Proposal) Registered() bool {
	return p.OnChainID != nil
}

type Review struct {
	ProposalID string `json:"proposal_id"`
	Verdict
	ReviewedAt time.Time `json:"reviewed_at"`
}

type Transition struct {
	ProposalID string    `json:"proposal_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Source     Source    `json:"source"`
	At         time.Time `json:"at"`
}

type AllocationStatus string

const (
	AllocationPending   AllocationStatus = "pending"
	AllocationConfirmed AllocationStatus = "confirmed"
	AllocationFailed    AllocationStatus = "failed"
)

// Holds reports whether the allocation still occupies pool capacity.
func (s AllocationStatus) Holds() bool {
	return s == AllocationPending || s == AllocationConfirmed
}

type Allocation struct {
	ProposalID string           `json:"proposal_id"`
	Recipient  string           `json:"recipient"`
	Percent    int              `json:"percent"`
	Amount     *big.Int         `json:"amount"`
	TxRef      string           `json:"tx_ref,omitempty"`
	Status     AllocationStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
