package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/axiomesh/treasury/chain"
	"github.com/axiomesh/treasury/ledger"
	"github.com/axiomesh/treasury/proposal"
	"github.com/axiomesh/treasury/store"
	"github.com/axiomesh/treasury/tasks"
	"github.com/sirupsen/logrus"
)

// Outcome reports what applying a chain event did. Changed is false for
// replays, lost races and events that match no proposal.
type Outcome struct {
	ProposalID string          `json:"proposal_id,omitempty"`
	From       proposal.Status `json:"from,omitempty"`
	To         proposal.Status `json:"to,omitempty"`
	Changed    bool            `json:"changed"`
	Reason     string          `json:"reason,omitempty"`
}

// RegisterOnChain creates the contract proposal for an approved proposal and
// records the review level vote. Each step resumes from what is already
// recorded, so a retry never registers twice while a transaction is known.
func (o *Orchestrator) RegisterOnChain(ctx context.Context, id string) error {
	p, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	// a registered event can move the proposal on before the vote is cast
	if p.Status != proposal.StatusApproved && p.Status != proposal.StatusOnChainPending {
		return fmt.Errorf("%w: proposal %s is %s", ErrStaleState, id, p.Status)
	}
	review, err := o.store.GetReview(ctx, id)
	if err != nil {
		return fmt.Errorf("load review of %s: %w", id, translate(err))
	}
	if !review.Approved() {
		return fmt.Errorf("%w: review of %s is %s", ErrStaleState, id, review.Decision)
	}
	logger := o.logger.WithField("proposal", id)

	if p.OnChainID == nil {
		chainID, err := o.resolveRegistration(ctx, p)
		if err != nil {
			return err
		}
		if err := o.store.RecordRegistration(ctx, id, chainID, p.OnChainTxRef); err != nil {
			return fmt.Errorf("record registration of %s: %w", id, err)
		}
		p.OnChainID = chainID
		logger.WithField("chain_id", chainID).Info("proposal registered")
	}

	voted, err := o.reviewVoteLanded(ctx, p)
	if err != nil {
		return err
	}
	if !voted {
		txRef, err := o.gateway.AnnotateAndVote(ctx, p.OnChainID, review.Level())
		if txRef != "" {
			if recErr := o.store.RecordReviewTx(ctx, id, txRef); recErr != nil {
				logger.Errorf("record review tx %s: %s", txRef, recErr)
			}
		}
		if err != nil {
			return err
		}
	}

	if p.Status == proposal.StatusOnChainPending {
		return nil
	}
	err = o.transition(ctx, p, proposal.StatusOnChainPending, proposal.SourceTask)
	if errors.Is(err, ErrStaleState) {
		return nil
	}
	return err
}

// resolveRegistration returns the chain id of p, sending the registration only
// when no earlier transaction can still produce one.
func (o *Orchestrator) resolveRegistration(ctx context.Context, p *proposal.Proposal) (*big.Int, error) {
	if p.OnChainTxRef != "" {
		chainID, err := o.gateway.RegistrationResult(ctx, p.OnChainTxRef)
		if err == nil {
			return chainID, nil
		}
		var chainErr *chain.Error
		if !errors.As(err, &chainErr) || chainErr.Kind != chain.KindReverted {
			return nil, err
		}
		o.logger.WithField("proposal", p.ID).Warnf("registration tx %s reverted, sending again", p.OnChainTxRef)
	}

	chainID, txRef, err := o.gateway.Register(ctx, chain.RegisterRequest{
		Recipient:    p.Recipient,
		Amount:       p.Amount,
		Title:        p.Title,
		Body:         p.Body,
		VotingPeriod: o.cfg.VotingPeriod,
	})
	if txRef != "" {
		p.OnChainTxRef = txRef
	}
	if err != nil {
		if txRef != "" {
			if recErr := o.store.RecordRegistration(ctx, p.ID, nil, txRef); recErr != nil {
				o.logger.WithField("proposal", p.ID).Errorf("record registration tx %s: %s", txRef, recErr)
			}
		}
		return nil, err
	}
	return chainID, nil
}

func (o *Orchestrator) reviewVoteLanded(ctx context.Context, p *proposal.Proposal) (bool, error) {
	if p.ReviewTxRef == "" {
		return false, nil
	}
	state, err := o.gateway.TxStatus(ctx, p.ReviewTxRef)
	if err != nil {
		return false, err
	}
	switch state {
	case chain.TxConfirmed:
		return true, nil
	case chain.TxPending:
		return false, &chain.Error{Op: "annotate", Kind: chain.KindPending, TxRef: p.ReviewTxRef}
	}
	return false, nil
}

// ApplyChainEvent moves the proposal the event refers to. Events that cannot
// apply are reported in the outcome, not as errors; an error means the store
// failed and the event should be delivered again.
func (o *Orchestrator) ApplyChainEvent(ctx context.Context, ev proposal.ChainEvent) (Outcome, error) {
	out, err := o.applyChainEvent(ctx, ev)
	if err == nil {
		o.metrics.chainEvents.WithLabelValues(ev.Kind.String(), fmt.Sprint(out.Changed)).Inc()
	}
	return out, err
}

func (o *Orchestrator) applyChainEvent(ctx context.Context, ev proposal.ChainEvent) (Outcome, error) {
	logger := o.logger.WithFields(logrus.Fields{"event": ev.Kind, "chain_id": ev.ChainProposalID, "source": ev.Source})

	target, ok := ev.Kind.Target()
	if !ok {
		logger.Warnf("ignoring chain event of unknown kind %q", ev.RawKind)
		return Outcome{Reason: fmt.Sprintf("unknown event kind %q", ev.RawKind)}, nil
	}
	if ev.ChainProposalID == nil {
		return Outcome{Reason: "event carries no chain proposal id"}, nil
	}

	p, err := o.matchEvent(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}
	if p == nil {
		logger.Warn("chain event matches no proposal")
		return Outcome{Reason: "no proposal for chain id " + ev.ChainProposalID.String()}, nil
	}
	out := Outcome{ProposalID: p.ID, From: p.Status, To: p.Status}

	if ev.Kind == proposal.EventExecuted {
		held, err := o.confirmReservation(ctx, p, ev.TxRef)
		if err != nil {
			return out, err
		}
		if !held {
			out.Reason = "no ledger reservation, flagged as discrepancy"
			return out, nil
		}
	}

	if p.Status == target {
		out.Reason = "already " + string(target)
		return out, nil
	}
	if !proposal.CanTransition(p.Status, target) {
		out.Reason = fmt.Sprintf("%s cannot move to %s", p.Status, target)
		logger.WithField("proposal", p.ID).Info(out.Reason)
		return out, nil
	}

	source := ev.Source
	if source == "" {
		source = proposal.SourceWebhook
	}
	if err := o.transition(ctx, p, target, source); err != nil {
		if errors.Is(err, ErrStaleState) || errors.Is(err, ErrNotFound) {
			out.Reason = "status changed concurrently"
			return out, nil
		}
		return out, err
	}
	out.To = target
	out.Changed = true

	if target == proposal.StatusActive && o.cfg.AutoFinalize {
		o.enqueue(tasks.KindFinalize, p.ID)
	}
	return out, nil
}

// matchEvent finds the proposal by chain id. A registered event may also name
// the off-chain id, which binds the chain id when it is not yet recorded.
func (o *Orchestrator) matchEvent(ctx context.Context, ev proposal.ChainEvent) (*proposal.Proposal, error) {
	p, err := o.store.GetProposalByChainID(ctx, ev.ChainProposalID)
	switch {
	case err == nil:
		return p, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if ev.Kind != proposal.EventRegistered || ev.ProposalID == "" {
		return nil, nil
	}

	p, err = o.store.GetProposal(ctx, ev.ProposalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if p.OnChainID != nil {
		// bound to a different chain id already
		return nil, nil
	}
	if err := o.store.RecordRegistration(ctx, p.ID, ev.ChainProposalID, ev.TxRef); err != nil {
		return nil, err
	}
	p.OnChainID = new(big.Int).Set(ev.ChainProposalID)
	return p, nil
}

// confirmReservation settles the ledger side of an executed event. It returns
// false, after flagging the proposal, when the ledger holds no reservation.
func (o *Orchestrator) confirmReservation(ctx context.Context, p *proposal.Proposal, txRef string) (bool, error) {
	a, ok := o.ledger.Get(p.ID)
	if !ok || !a.Status.Holds() {
		o.metrics.discrepancies.Inc()
		o.logger.WithField("proposal", p.ID).Error("chain reports execution but the ledger holds no reservation")
		if !p.Discrepancy {
			if err := o.store.FlagDiscrepancy(ctx, p.ID, true); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if a.Status == proposal.AllocationPending {
		if _, err := o.ledger.Confirm(ctx, p.ID, txRef); err != nil {
			return false, err
		}
	}
	return true, nil
}

// FinalizeExecution disburses the grant of an active proposal and marks it
// executed once the ledger has confirmed the transfer.
func (o *Orchestrator) FinalizeExecution(ctx context.Context, id string) error {
	p, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != proposal.StatusActive {
		return fmt.Errorf("%w: proposal %s is %s", ErrStaleState, id, p.Status)
	}
	review, err := o.store.GetReview(ctx, id)
	if err != nil {
		return fmt.Errorf("load review of %s: %w", id, translate(err))
	}
	if !review.Approved() || review.AllocationPercent == nil {
		return fmt.Errorf("%w: review of %s carries no allocation", ErrStaleState, id)
	}

	a, err := o.settlePending(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case a != nil && a.Status == proposal.AllocationConfirmed:
		o.logger.WithField("proposal", id).Info("allocation already confirmed, completing execution")
	case a != nil && a.Status == proposal.AllocationPending:
		return awaitingTransfer(a)
	default:
		_, err = o.ledger.Allocate(ctx, ledger.Request{
			ProposalID: id,
			OnChainID:  p.OnChainID,
			Recipient:  p.Recipient,
			Percent:    *review.AllocationPercent,
		})
		if errors.Is(err, ledger.ErrAllocationConflict) {
			// another finalize won the reservation
			cur, ok := o.ledger.Get(id)
			switch {
			case ok && cur.Status == proposal.AllocationPending:
				return awaitingTransfer(cur)
			case !ok || cur.Status != proposal.AllocationConfirmed:
				return err
			}
		} else if err != nil {
			return err
		}
	}

	err = o.transition(ctx, p, proposal.StatusExecuted, proposal.SourceTask)
	if errors.Is(err, ErrStaleState) {
		return nil
	}
	return err
}

// settlePending resolves a pending allocation whose transfer tx is known by
// asking the chain for its receipt. A reverted tx fails the allocation so
// finalize can allocate again; a mined one confirms it. It returns the
// allocation as it stands afterwards, nil when there is none.
func (o *Orchestrator) settlePending(ctx context.Context, id string) (*proposal.Allocation, error) {
	a, ok := o.ledger.Get(id)
	if !ok {
		return nil, nil
	}
	if a.Status != proposal.AllocationPending || a.TxRef == "" {
		return a, nil
	}
	state, err := o.gateway.TxStatus(ctx, a.TxRef)
	if err != nil {
		return nil, fmt.Errorf("status of transfer %s: %w", a.TxRef, err)
	}
	switch state {
	case chain.TxReverted:
		o.logger.WithFields(logrus.Fields{"proposal": id, "tx": a.TxRef}).Warn("transfer reverted, releasing reservation")
		return o.ledger.Fail(ctx, id, "transfer tx "+a.TxRef+" reverted")
	case chain.TxConfirmed:
		o.logger.WithFields(logrus.Fields{"proposal": id, "tx": a.TxRef}).Info("transfer mined, confirming allocation")
		return o.ledger.Confirm(ctx, id, a.TxRef)
	}
	return a, nil
}

func awaitingTransfer(a *proposal.Allocation) error {
	return &chain.Error{Op: "execute", Kind: chain.KindPending, TxRef: a.TxRef,
		Err: fmt.Errorf("allocation for proposal %s awaits its transfer", a.ProposalID)}
}

// Reconcile reads the contract's view of a registered proposal and applies
// the event it implies.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) (Outcome, error) {
	p, err := o.load(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ProposalID: id, From: p.Status, To: p.Status}
	if p.Status != proposal.StatusOnChainPending && p.Status != proposal.StatusActive {
		out.Reason = "nothing to reconcile in status " + string(p.Status)
		return out, nil
	}
	if p.OnChainID == nil {
		out.Reason = "not registered on-chain"
		return out, nil
	}

	if p.Status == proposal.StatusActive {
		a, err := o.settlePending(ctx, id)
		if err != nil {
			return out, err
		}
		switch {
		case a != nil && a.Status == proposal.AllocationConfirmed:
			if err := o.transition(ctx, p, proposal.StatusExecuted, proposal.SourceReconcile); err != nil {
				if errors.Is(err, ErrStaleState) || errors.Is(err, ErrNotFound) {
					out.Reason = "status changed concurrently"
					return out, nil
				}
				return out, err
			}
			out.To, out.Changed = proposal.StatusExecuted, true
			return out, nil
		case a != nil && a.Status == proposal.AllocationFailed && o.cfg.AutoFinalize:
			o.enqueue(tasks.KindFinalize, id)
		}
	}

	snap, err := o.gateway.ReadProposal(ctx, p.OnChainID)
	if err != nil {
		return out, err
	}
	kind := snap.Implied(o.now(), o.cfg.Quorum)
	if kind == proposal.EventUnknown {
		out.Reason = "voting still open"
		return out, nil
	}
	if p.Status == proposal.StatusOnChainPending && kind == proposal.EventExecuted {
		// the tally must have been met for the contract to execute
		if _, err := o.ApplyChainEvent(ctx, proposal.ChainEvent{
			Kind:            proposal.EventVoteTallyMet,
			ChainProposalID: p.OnChainID,
			Source:          proposal.SourceReconcile,
		}); err != nil {
			return out, err
		}
	}
	return o.ApplyChainEvent(ctx, proposal.ChainEvent{
		Kind:            kind,
		ChainProposalID: p.OnChainID,
		Source:          proposal.SourceReconcile,
	})
}
