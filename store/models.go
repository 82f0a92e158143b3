package store

import (
	"math/big"
	"time"

	"github.com/axiomesh/treasury/proposal"
)

// ProposalRecord is the proposals row. Amounts and chain ids are stored as
// decimal strings so arbitrary-size integers survive every driver.
type ProposalRecord struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Author       string    `gorm:"size:128;not null;index:idx_proposal_author_created,priority:1"`
	Recipient    string    `gorm:"size:42;not null"`
	Amount       string    `gorm:"size:80;not null"`
	Title        string    `gorm:"size:512;not null"`
	Body         string    `gorm:"type:text;not null"`
	Status       string    `gorm:"size:32;not null;index"`
	OnChainID    *string   `gorm:"size:80;uniqueIndex"`
	OnChainTxRef *string   `gorm:"size:66"`
	ReviewTxRef  *string   `gorm:"size:66"`
	Discrepancy  bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null;index:idx_proposal_author_created,priority:2"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (ProposalRecord) TableName() string {
	return "proposals"
}

type ReviewRecord struct {
	ProposalID        string    `gorm:"primaryKey;size:36"`
	Decision          string    `gorm:"size:16;not null"`
	Scores            string    `gorm:"size:128;not null"`
	AllocationPercent *int
	Rationale         string    `gorm:"type:text;not null"`
	ReviewedAt        time.Time `gorm:"not null"`
}

func (ReviewRecord) TableName() string {
	return "reviews"
}

type AllocationRecord struct {
	ProposalID string    `gorm:"primaryKey;size:36"`
	Recipient  string    `gorm:"size:42;not null"`
	Percent    int       `gorm:"not null"`
	Amount     string    `gorm:"size:80;not null"`
	TxRef      *string   `gorm:"size:66"`
	Status     string    `gorm:"size:16;not null;index"`
	Error      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (AllocationRecord) TableName() string {
	return "allocations"
}

// TransitionRecord is one append-only audit entry.
type TransitionRecord struct {
	ID         uint      `gorm:"primaryKey"`
	ProposalID string    `gorm:"size:36;not null;index"`
	FromStatus string    `gorm:"size:32"`
	ToStatus   string    `gorm:"size:32;not null"`
	Source     string    `gorm:"size:16;not null"`
	At         time.Time `gorm:"not null"`
}

func (TransitionRecord) TableName() string {
	return "proposal_transitions"
}

var migrateModels = []any{
	&ProposalRecord{},
	&ReviewRecord{},
	&AllocationRecord{},
	&TransitionRecord{},
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (r *ProposalRecord) toProposal() *proposal.Proposal {
	p := &proposal.Proposal{
		ID:           r.ID,
		Author:       r.Author,
		Recipient:    r.Recipient,
		Amount:       parseBig(r.Amount),
		Title:        r.Title,
		Body:         r.Body,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		Status:       proposal.Status(r.Status),
		OnChainTxRef: derefString(r.OnChainTxRef),
		ReviewTxRef:  derefString(r.ReviewTxRef),
		Discrepancy:  r.Discrepancy,
	}
	if r.OnChainID != nil {
		p.OnChainID = parseBig(*r.OnChainID)
	}
	return p
}

func fromProposal(p *proposal.Proposal) *ProposalRecord {
	r := &ProposalRecord{
		ID:           p.ID,
		Author:       p.Author,
		Recipient:    p.Recipient,
		Amount:       bigString(p.Amount),
		Title:        p.Title,
		Body:         p.Body,
		Status:       string(p.Status),
		OnChainTxRef: optionalString(p.OnChainTxRef),
		ReviewTxRef:  optionalString(p.ReviewTxRef),
		Discrepancy:  p.Discrepancy,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.OnChainID != nil {
		id := p.OnChainID.String()
		r.OnChainID = &id
	}
	return r
}

func (r *AllocationRecord) toAllocation() *proposal.Allocation {
	return &proposal.Allocation{
		ProposalID: r.ProposalID,
		Recipient:  r.Recipient,
		Percent:    r.Percent,
		Amount:     parseBig(r.Amount),
		TxRef:      derefString(r.TxRef),
		Status:     proposal.AllocationStatus(r.Status),
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func fromAllocation(a *proposal.Allocation) *AllocationRecord {
	return &AllocationRecord{
		ProposalID: a.ProposalID,
		Recipient:  a.Recipient,
		Percent:    a.Percent,
		Amount:     bigString(a.Amount),
		TxRef:      optionalString(a.TxRef),
		Status:     string(a.Status),
		Error:      a.Error,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}
