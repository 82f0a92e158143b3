// Package ledger tracks grants drawn from a fixed token pool.
//
// Allocation for a proposal happens at most once. The check for an existing
// allocation and the reservation of capacity happen in one critical section;
// the outward transfer runs after the reservation is recorded and outside the
// lock. A failed transfer releases its capacity and leaves a failed record
// that a later Allocate may replace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/sirupsen/logrus"
)

var (
	ErrAllocationConflict = errors.New("proposal already has an allocation")
	ErrPercentOutOfRange  = fmt.Errorf("allocation percent outside [%d,%d]", proposal.MinAllocationPercent, proposal.MaxAllocationPercent)
	ErrInsufficientPool   = errors.New("insufficient unallocated pool")
	ErrInsufficientFunds  = errors.New("insufficient wallet balance")
	ErrNotFound           = errors.New("allocation not found")
)

// Transfer describes one outward payment.
type Transfer struct {
	ProposalID string
	OnChainID  *big.Int
	Recipient  string
	Amount     *big.Int
}

// Wallet is the treasury handle the ledger draws from.
type Wallet interface {
	Balance(ctx context.Context) (*big.Int, error)
	Transfer(ctx context.Context, t Transfer) (txRef string, err error)
}

// Journal persists allocation state changes. A nil journal keeps the ledger purely in memory.
type Journal interface {
	SaveAllocation(ctx context.Context, a *proposal.Allocation) error
}

type Request struct {
	ProposalID string
	OnChainID  *big.Int
	Recipient  string
	Percent    int
}

type Check struct {
	OK     bool
	Reason string
	Amount *big.Int
}

type Ledger struct {
	pool    *big.Int
	wallet  Wallet
	journal Journal
	logger  logrus.FieldLogger
	now     func() time.Time

	mu          sync.Mutex
	allocations map[string]*proposal.Allocation
}

func New(pool *big.Int, wallet Wallet, journal Journal, logger logrus.FieldLogger) (*Ledger, error) {
	if pool == nil || pool.Sign() <= 0 {
		return nil, errors.New("ledger pool must be positive")
	}
	if wallet == nil {
		return nil, errors.New("ledger wallet is required")
	}
	return &Ledger{
		pool:        new(big.Int).Set(pool),
		wallet:      wallet,
		journal:     journal,
		logger:      logger,
		now:         time.Now,
		allocations: make(map[string]*proposal.Allocation),
	}, nil
}

func (l *Ledger) Pool() *big.Int {
	return new(big.Int).Set(l.pool)
}

// AmountFor returns floor(pool * percent / 100).
func (l *Ledger) AmountFor(percent int) (*big.Int, error) {
	if percent < proposal.MinAllocationPercent || percent > proposal.MaxAllocationPercent {
		return nil, ErrPercentOutOfRange
	}
	amount := new(big.Int).Mul(l.pool, big.NewInt(int64(percent)))
	return amount.Quo(amount, big.NewInt(100)), nil
}

// Restore loads persisted allocations, typically at startup.
func (l *Ledger) Restore(allocs []*proposal.Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range allocs {
		l.allocations[a.ProposalID] = cloneAllocation(a)
	}
}

// Get returns a copy of the allocation for proposalID.
func (l *Ledger) Get(proposalID string) (*proposal.Allocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocations[proposalID]
	if !ok {
		return nil, false
	}
	return cloneAllocation(a), true
}

// HasReservation reports whether a pending or confirmed allocation exists.
func (l *Ledger) HasReservation(proposalID string) bool {
	a, ok := l.Get(proposalID)
	return ok && a.Status.Holds()
}

// Remaining is the pool left after pending and confirmed allocations.
func (l *Ledger) Remaining() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked()
}

func (l *Ledger) remainingLocked() *big.Int {
	remaining := new(big.Int).Set(l.pool)
	for _, a := range l.allocations {
		if a.Status.Holds() {
			remaining.Sub(remaining, a.Amount)
		}
	}
	return remaining
}

func (l *Ledger) pendingLocked() *big.Int {
	pending := new(big.Int)
	for _, a := range l.allocations {
		if a.Status == proposal.AllocationPending {
			pending.Add(pending, a.Amount)
		}
	}
	return pending
}

// CanAllocate checks the amount for percent against both the wallet balance
// and the unallocated pool.
func (l *Ledger) CanAllocate(ctx context.Context, percent int) (Check, error) {
	amount, err := l.AmountFor(percent)
	if err != nil {
		return Check{}, err
	}
	balance, err := l.wallet.Balance(ctx)
	if err != nil {
		return Check{}, fmt.Errorf("read wallet balance: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(amount, balance); err != nil {
		return Check{Reason: err.Error(), Amount: amount}, nil
	}
	return Check{OK: true, Amount: amount}, nil
}

// checkLocked returns nil when amount fits both the spendable balance and the
// unallocated pool. Pending reservations count against both.
func (l *Ledger) checkLocked(amount, balance *big.Int) error {
	available := new(big.Int).Sub(balance, l.pendingLocked())
	if amount.Cmp(available) > 0 {
		return fmt.Errorf("%w: need %s, available %s", ErrInsufficientFunds, amount, available)
	}
	remaining := l.remainingLocked()
	if amount.Cmp(remaining) > 0 {
		return fmt.Errorf("%w: need %s, remaining %s", ErrInsufficientPool, amount, remaining)
	}
	return nil
}

// Allocate reserves the grant for req.ProposalID and performs the transfer.
// Concurrent calls for the same proposal yield one success and
// ErrAllocationConflict for the rest.
func (l *Ledger) Allocate(ctx context.Context, req Request) (*proposal.Allocation, error) {
	amount, err := l.AmountFor(req.Percent)
	if err != nil {
		return nil, err
	}
	balance, err := l.wallet.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("read wallet balance: %w", err)
	}

	reserved, previous, err := l.reserve(req, amount, balance)
	if err != nil {
		return nil, err
	}
	if l.journal != nil {
		if err := l.journal.SaveAllocation(ctx, reserved); err != nil {
			l.discard(req.ProposalID, previous)
			return nil, fmt.Errorf("journal reservation: %w", err)
		}
	}

	l.logger.Infof("allocation reserved for proposal %s: %s to %s", req.ProposalID, amount, req.Recipient)

	txRef, transferErr := l.wallet.Transfer(ctx, Transfer{
		ProposalID: req.ProposalID,
		OnChainID:  req.OnChainID,
		Recipient:  req.Recipient,
		Amount:     new(big.Int).Set(amount),
	})
	if transferErr != nil {
		if isPending(transferErr) {
			// the transfer may still land; keep the reservation until it is
			// confirmed or failed explicitly
			pending, changed := l.settle(req.ProposalID, proposal.AllocationPending, txRef, transferErr.Error())
			if !changed {
				return l.superseded(pending, transferErr)
			}
			l.save(ctx, pending)
			l.logger.Warnf("allocation transfer for proposal %s unconfirmed, tx %s", req.ProposalID, txRef)
			return pending, transferErr
		}
		failed, changed := l.settle(req.ProposalID, proposal.AllocationFailed, txRef, transferErr.Error())
		if !changed {
			return l.superseded(failed, transferErr)
		}
		l.save(ctx, failed)
		l.logger.Errorf("allocation transfer for proposal %s failed: %s", req.ProposalID, transferErr)
		return failed, transferErr
	}

	confirmed, changed := l.settle(req.ProposalID, proposal.AllocationConfirmed, txRef, "")
	if changed {
		l.save(ctx, confirmed)
	}
	l.logger.Infof("allocation confirmed for proposal %s, tx %s", req.ProposalID, confirmed.TxRef)
	return confirmed, nil
}

// superseded handles a transfer result that arrived after the allocation was
// already settled elsewhere, by an executed event for instance. A confirmed
// allocation wins over the local transfer error.
func (l *Ledger) superseded(a *proposal.Allocation, transferErr error) (*proposal.Allocation, error) {
	l.logger.Warnf("allocation for proposal %s already %s, ignoring transfer result: %s", a.ProposalID, a.Status, transferErr)
	if a.Status == proposal.AllocationConfirmed {
		return a, nil
	}
	return a, transferErr
}

// reserve is the check-and-reserve step. It returns the reservation and the
// failed allocation it replaced, if any.
func (l *Ledger) reserve(req Request, amount, balance *big.Int) (*proposal.Allocation, *proposal.Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.allocations[req.ProposalID]
	if ok && existing.Status.Holds() {
		return nil, nil, ErrAllocationConflict
	}
	if err := l.checkLocked(amount, balance); err != nil {
		return nil, nil, err
	}

	now := l.now()
	a := &proposal.Allocation{
		ProposalID: req.ProposalID,
		Recipient:  req.Recipient,
		Percent:    req.Percent,
		Amount:     amount,
		Status:     proposal.AllocationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ok {
		a.CreatedAt = existing.CreatedAt
	}
	l.allocations[req.ProposalID] = a
	return cloneAllocation(a), existing, nil
}

// discard rolls back a reservation that never reached the journal.
func (l *Ledger) discard(proposalID string, previous *proposal.Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if previous != nil {
		l.allocations[proposalID] = previous
		return
	}
	delete(l.allocations, proposalID)
}

// settle records the transfer outcome. Only a pending allocation changes; any
// other state is returned as is with changed false.
func (l *Ledger) settle(proposalID string, status proposal.AllocationStatus, txRef, reason string) (_ *proposal.Allocation, changed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.allocations[proposalID]
	if a.Status != proposal.AllocationPending {
		return cloneAllocation(a), false
	}
	a.Status = status
	if txRef != "" {
		a.TxRef = txRef
	}
	a.Error = reason
	a.UpdatedAt = l.now()
	return cloneAllocation(a), true
}

// Confirm marks a pending allocation confirmed. Confirming an already
// confirmed allocation is a no-op.
func (l *Ledger) Confirm(ctx context.Context, proposalID, txRef string) (*proposal.Allocation, error) {
	l.mu.Lock()
	a, ok := l.allocations[proposalID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrNotFound
	}
	switch a.Status {
	case proposal.AllocationConfirmed:
		out := cloneAllocation(a)
		l.mu.Unlock()
		return out, nil
	case proposal.AllocationFailed:
		l.mu.Unlock()
		return nil, fmt.Errorf("allocation for proposal %s failed: %s", proposalID, a.Error)
	}
	a.Status = proposal.AllocationConfirmed
	if txRef != "" && a.TxRef == "" {
		a.TxRef = txRef
	}
	a.UpdatedAt = l.now()
	out := cloneAllocation(a)
	l.mu.Unlock()

	l.save(ctx, out)
	return out, nil
}

// Fail marks a pending allocation failed, releasing its capacity.
func (l *Ledger) Fail(ctx context.Context, proposalID, reason string) (*proposal.Allocation, error) {
	l.mu.Lock()
	a, ok := l.allocations[proposalID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrNotFound
	}
	if a.Status != proposal.AllocationPending {
		out := cloneAllocation(a)
		l.mu.Unlock()
		return out, fmt.Errorf("allocation for proposal %s is %s", proposalID, out.Status)
	}
	a.Status = proposal.AllocationFailed
	a.Error = reason
	a.UpdatedAt = l.now()
	out := cloneAllocation(a)
	l.mu.Unlock()

	l.save(ctx, out)
	return out, nil
}

func isPending(err error) bool {
	var p interface{ Pending() bool }
	return errors.As(err, &p) && p.Pending()
}

func (l *Ledger) save(ctx context.Context, a *proposal.Allocation) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SaveAllocation(ctx, a); err != nil {
		l.logger.Errorf("journal allocation %s (%s): %s", a.ProposalID, a.Status, err)
	}
}

func cloneAllocation(a *proposal.Allocation) *proposal.Allocation {
	out := *a
	if a.Amount != nil {
		out.Amount = new(big.Int).Set(a.Amount)
	}
	return &out
}
