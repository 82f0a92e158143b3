package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/axiomesh/treasury/chain"
	"github.com/axiomesh/treasury/ledger"
	"github.com/axiomesh/treasury/proposal"
	"github.com/axiomesh/treasury/tasks"
)

// HandleTask runs one queued task. Errors retrying cannot fix are marked
// permanent so the queue drops them.
func (o *Orchestrator) HandleTask(ctx context.Context, t tasks.Task) error {
	var err error
	switch t.Kind {
	case tasks.KindReview:
		err = o.RunReview(ctx, t.ProposalID)
	case tasks.KindRegister:
		err = o.RegisterOnChain(ctx, t.ProposalID)
	case tasks.KindFinalize:
		err = o.FinalizeExecution(ctx, t.ProposalID)
	case tasks.KindReconcile:
		_, err = o.Reconcile(ctx, t.ProposalID)
	default:
		return tasks.Permanent(fmt.Errorf("unknown task kind %q", t.Kind))
	}
	if permanent(err) {
		return tasks.Permanent(err)
	}
	return err
}

func permanent(err error) bool {
	var invalid *ValidationError
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStaleState),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrReviewExists),
		errors.Is(err, ledger.ErrAllocationConflict),
		errors.Is(err, ledger.ErrPercentOutOfRange),
		errors.Is(err, ledger.ErrInsufficientPool),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.As(err, &invalid):
		return true
	}
	return false
}

// stale statuses and the task that moves each forward
var recoverable = []struct {
	status proposal.Status
	kind   tasks.Kind
}{
	{proposal.StatusPendingReview, tasks.KindReview},
	{proposal.StatusApproved, tasks.KindRegister},
	{proposal.StatusOnChainPending, tasks.KindRegister},
	{proposal.StatusOnChainPending, tasks.KindReconcile},
	{proposal.StatusActive, tasks.KindReconcile},
	{proposal.StatusActive, tasks.KindFinalize},
}

// ChainHandler adapts ApplyChainEvent to the watcher. Only store failures
// are reported, so the watcher keeps its cursor and sees the log again.
func (o *Orchestrator) ChainHandler() chain.Handler {
	return func(ctx context.Context, ev proposal.ChainEvent) error {
		_, err := o.ApplyChainEvent(ctx, ev)
		return err
	}
}

// Schedule queues a manual retry of one lifecycle step after checking the
// proposal is in a status the step can act on.
func (o *Orchestrator) Schedule(ctx context.Context, kind tasks.Kind, id string) error {
	if kind == tasks.KindReview {
		return o.TriggerReview(ctx, id)
	}
	p, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	var ok bool
	switch kind {
	case tasks.KindRegister:
		ok = p.Status == proposal.StatusApproved || (p.Status == proposal.StatusOnChainPending && p.ReviewTxRef == "")
	case tasks.KindFinalize:
		ok = p.Status == proposal.StatusActive
	case tasks.KindReconcile:
		ok = (p.Status == proposal.StatusOnChainPending || p.Status == proposal.StatusActive) && p.OnChainID != nil
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	if !ok {
		return fmt.Errorf("%w: cannot %s a proposal in status %s", ErrStaleState, kind, p.Status)
	}
	return o.queue.Enqueue(tasks.Task{Kind: kind, ProposalID: id})
}
