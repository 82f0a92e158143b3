// Package core drives proposals through review, on-chain registration,
// voting and disbursement.
//
// Every status change is a compare-and-swap in the store, so concurrent
// callers (API handlers, webhook deliveries, the chain watcher, task workers)
// never need a shared lock: the loser of a race sees ErrStaleState and drops
// its update. Chain events are applied through the same guard, which makes
// replays harmless.
package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/axiomesh/treasury/chain"
	"github.com/axiomesh/treasury/ledger"
	"github.com/axiomesh/treasury/notify"
	"github.com/axiomesh/treasury/proposal"
	"github.com/axiomesh/treasury/reviewer"
	"github.com/axiomesh/treasury/store"
	"github.com/axiomesh/treasury/tasks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSubmissionCooldown = 7 * 24 * time.Hour
	DefaultMaxTitleLength     = 200
	DefaultMaxBodyLength      = 20000
	DefaultVotingPeriod       = 7 * 24 * time.Hour
)

// Store is the persistence the lifecycle needs. *store.Store implements it.
type Store interface {
	CreateProposalAfterCooldown(ctx context.Context, p *proposal.Proposal, cooldown time.Duration) error
	GetProposal(ctx context.Context, id string) (*proposal.Proposal, error)
	GetProposalByChainID(ctx context.Context, chainID *big.Int) (*proposal.Proposal, error)
	ListByStatus(ctx context.Context, status proposal.Status, limit int) ([]*proposal.Proposal, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to proposal.Status, source proposal.Source) error
	RecordRegistration(ctx context.Context, id string, chainID *big.Int, txRef string) error
	RecordReviewTx(ctx context.Context, id, txRef string) error
	FlagDiscrepancy(ctx context.Context, id string, flag bool) error
	ApplyReview(ctx context.Context, r *proposal.Review, to proposal.Status, source proposal.Source) error
	GetReview(ctx context.Context, proposalID string) (*proposal.Review, error)
	ListTransitions(ctx context.Context, proposalID string) ([]proposal.Transition, error)
}

var _ Store = (*store.Store)(nil)

// Gateway is the contract surface the lifecycle drives. *chain.Gateway implements it.
type Gateway interface {
	Register(ctx context.Context, req chain.RegisterRequest) (*big.Int, string, error)
	RegistrationResult(ctx context.Context, txRef string) (*big.Int, error)
	AnnotateAndVote(ctx context.Context, onChainID *big.Int, level uint8) (string, error)
	TxStatus(ctx context.Context, txRef string) (chain.TxState, error)
	ReadProposal(ctx context.Context, onChainID *big.Int) (*chain.Snapshot, error)
}

var _ Gateway = (*chain.Gateway)(nil)

type Reviewer interface {
	Review(ctx context.Context, in reviewer.Input) proposal.Verdict
}

type Queue interface {
	Enqueue(t tasks.Task) error
}

type Config struct {
	SubmissionCooldown time.Duration
	MaxTitleLength     int
	MaxBodyLength      int
	VotingPeriod       time.Duration
	// Quorum is the minimum support for a tally; nil means any majority.
	Quorum *big.Int
	// AutoFinalize schedules disbursement as soon as the tally is met.
	AutoFinalize bool
}

type Deps struct {
	Store      Store
	Gateway    Gateway
	Reviewer   Reviewer
	Ledger     *ledger.Ledger
	Queue      Queue
	Publisher  notify.Publisher
	Registerer prometheus.Registerer
}

type Orchestrator struct {
	cfg       Config
	store     Store
	gateway   Gateway
	reviewer  Reviewer
	ledger    *ledger.Ledger
	queue     Queue
	publisher notify.Publisher
	metrics   *metrics
	logger    logrus.FieldLogger
	authors   *keyLock
	now       func() time.Time
}

var _ tasks.Handler = (*Orchestrator)(nil)

func New(cfg Config, deps Deps, logger logrus.FieldLogger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator store is required")
	case deps.Gateway == nil:
		return nil, errors.New("orchestrator gateway is required")
	case deps.Reviewer == nil:
		return nil, errors.New("orchestrator reviewer is required")
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator ledger is required")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator queue is required")
	}
	if cfg.SubmissionCooldown <= 0 {
		cfg.SubmissionCooldown = DefaultSubmissionCooldown
	}
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = DefaultMaxTitleLength
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = DefaultMaxBodyLength
	}
	if cfg.VotingPeriod <= 0 {
		cfg.VotingPeriod = DefaultVotingPeriod
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		gateway:   deps.Gateway,
		reviewer:  deps.Reviewer,
		ledger:    deps.Ledger,
		queue:     deps.Queue,
		publisher: publisher,
		metrics:   newMetrics(deps.Registerer),
		logger:    logger,
		authors:   newKeyLock(),
		now:       time.Now,
	}, nil
}

type SubmitRequest struct {
	Author    string
	Recipient string
	Amount    string
	Title     string
	Body      string
}

// Submit validates and persists a new proposal in pending_review and
// schedules its review.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*proposal.Proposal, error) {
	p, err := o.validate(req)
	if err != nil {
		o.metrics.submissions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock := o.authors.Lock(p.Author)
	defer unlock()

	now := o.now()
	p.ID = uuid.NewString()
	p.Status = proposal.StatusPendingReview
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := o.store.CreateProposalAfterCooldown(ctx, p, o.cfg.SubmissionCooldown); err != nil {
		var cooldown *store.CooldownError
		if errors.As(err, &cooldown) {
			o.metrics.submissions.WithLabelValues("cooldown").Inc()
			return nil, &DuplicateWindowError{Wait: cooldown.Latest.Add(o.cfg.SubmissionCooldown).Sub(now)}
		}
		o.metrics.submissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	o.metrics.submissions.WithLabelValues("accepted").Inc()
	o.logger.WithFields(logrus.Fields{"proposal": p.ID, "author": p.Author, "amount": p.Amount}).Info("proposal submitted")

	o.announce(ctx, p, "", proposal.StatusPendingReview, proposal.SourceAPI)
	o.enqueue(tasks.KindReview, p.ID)
	return p, nil
}

func (o *Orchestrator) validate(req SubmitRequest) (*proposal.Proposal, error) {
	author := strings.TrimSpace(req.Author)
	if author == "" {
		return nil, invalid("author", "is required")
	}

	recipient := strings.TrimSpace(req.Recipient)
	if !common.IsHexAddress(recipient) {
		return nil, invalid("recipient", "is not a hex address")
	}
	addr := common.HexToAddress(recipient)
	if addr == (common.Address{}) {
		return nil, invalid("recipient", "is the zero address")
	}

	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return nil, invalid("amount", "is not a decimal integer")
	}
	if amount.Sign() <= 0 {
		return nil, invalid("amount", "must be positive")
	}

	title := strings.TrimSpace(req.Title)
	if err := checkLength("title", title, o.cfg.MaxTitleLength); err != nil {
		return nil, err
	}
	body := strings.TrimSpace(req.Body)
	if err := checkLength("body", body, o.cfg.MaxBodyLength); err != nil {
		return nil, err
	}

	return &proposal.Proposal{
		Author:    author,
		Recipient: addr.Hex(),
		Amount:    amount,
		Title:     title,
		Body:      body,
	}, nil
}

func checkLength(field, s string, max int) error {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return invalid(field, "is required")
	}
	if n > max {
		return invalid(field, fmt.Sprintf("too long (%d > %d characters)", n, max))
	}
	return nil
}

// View is the display form of a proposal.
type View struct {
	Proposal *proposal.Proposal `json:"proposal"`
	// DisplayStatus is the status shown to users. It only differs from
	// Proposal.Status when the ledger disagrees with an executed record.
	DisplayStatus proposal.Status       `json:"display_status"`
	Discrepancy   bool                  `json:"discrepancy"`
	Review        *proposal.Review      `json:"review,omitempty"`
	Allocation    *proposal.Allocation  `json:"allocation,omitempty"`
	Transitions   []proposal.Transition `json:"transitions"`
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*View, error) {
	p, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{
		Proposal:      p,
		DisplayStatus: p.Status,
		Discrepancy:   p.Discrepancy,
	}
	review, err := o.store.GetReview(ctx, id)
	switch {
	case err == nil:
		v.Review = review
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if a, ok := o.ledger.Get(id); ok {
		v.Allocation = a
	}
	if p.Status == proposal.StatusExecuted && !o.ledger.HasReservation(id) {
		v.DisplayStatus = proposal.StatusActive
		v.Discrepancy = true
	}
	if v.Transitions, err = o.store.ListTransitions(ctx, id); err != nil {
		return nil, err
	}
	return v, nil
}

// TriggerReview schedules the review of a proposal still waiting for one.
func (o *Orchestrator) TriggerReview(ctx context.Context, id string) error {
	p, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != proposal.StatusPendingReview {
		return fmt.Errorf("%w: proposal %s is %s", ErrStaleState, id, p.Status)
	}
	if err := o.ensureUnreviewed(ctx, id); err != nil {
		return err
	}
	return o.queue.Enqueue(tasks.Task{Kind: tasks.KindReview, ProposalID: id})
}

// RunReview asks the reviewer for a verdict and applies it. An approval the
// ledger cannot fund is turned into a rejection.
func (o *Orchestrator) RunReview(ctx context.Context, id string) error {
	p, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != proposal.StatusPendingReview {
		return fmt.Errorf("%w: proposal %s is %s", ErrStaleState, id, p.Status)
	}
	if err := o.ensureUnreviewed(ctx, id); err != nil {
		return err
	}

	verdict := o.reviewer.Review(ctx, reviewer.Input{
		Title:     p.Title,
		Body:      p.Body,
		Recipient: p.Recipient,
		Amount:    p.Amount,
		Pool:      o.ledger.Pool(),
		Remaining: o.ledger.Remaining(),
	})
	if verdict.Approved() && verdict.AllocationPercent != nil {
		check, err := o.ledger.CanAllocate(ctx, *verdict.AllocationPercent)
		if err != nil {
			return fmt.Errorf("check allocation capacity: %w", err)
		}
		if !check.OK {
			o.logger.WithField("proposal", id).Warnf("approved at %d%% but not fundable: %s", *verdict.AllocationPercent, check.Reason)
			rejected := proposal.Reject(fmt.Sprintf("approved at %d%% but the treasury cannot fund it: %s. %s",
				*verdict.AllocationPercent, check.Reason, verdict.Rationale))
			rejected.Scores = verdict.Scores
			verdict = rejected
		}
	}
	return o.ApplyReview(ctx, id, verdict)
}

// ApplyReview stores the verdict and moves the proposal to approved or
// rejected in one transaction. An approval schedules registration.
func (o *Orchestrator) ApplyReview(ctx context.Context, id string, v proposal.Verdict) error {
	if err := v.Validate(); err != nil {
		return &ValidationError{Field: "verdict", Reason: err.Error()}
	}
	to := proposal.StatusRejected
	if v.Approved() {
		to = proposal.StatusApproved
	}
	review := &proposal.Review{ProposalID: id, Verdict: v, ReviewedAt: o.now()}
	if err := o.store.ApplyReview(ctx, review, to, proposal.SourceTask); err != nil {
		return translate(err)
	}

	o.metrics.transitions.WithLabelValues(string(proposal.StatusPendingReview), string(to), string(proposal.SourceTask)).Inc()
	o.logger.WithFields(logrus.Fields{"proposal": id, "decision": v.Decision, "level": v.Level()}).Info("proposal reviewed")
	if p, err := o.store.GetProposal(ctx, id); err == nil {
		o.announce(ctx, p, proposal.StatusPendingReview, to, proposal.SourceTask)
	}
	if v.Approved() {
		o.enqueue(tasks.KindRegister, id)
	}
	return nil
}

func (o *Orchestrator) ensureUnreviewed(ctx context.Context, id string) error {
	_, err := o.store.GetReview(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrReviewExists, id)
	case errors.Is(err, store.ErrNotFound):
		return nil
	}
	return err
}

func (o *Orchestrator) load(ctx context.Context, id string) (*proposal.Proposal, error) {
	p, err := o.store.GetProposal(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// transition performs one compare-and-swap and reports it.
func (o *Orchestrator) transition(ctx context.Context, p *proposal.Proposal, to proposal.Status, source proposal.Source) error {
	from := p.Status
	if err := o.store.CompareAndSwapStatus(ctx, p.ID, from, to, source); err != nil {
		return translate(err)
	}
	o.metrics.transitions.WithLabelValues(string(from), string(to), string(source)).Inc()
	o.logger.WithFields(logrus.Fields{"proposal": p.ID, "from": from, "to": to, "source": source}).Info("proposal status changed")
	p.Status = to
	o.announce(ctx, p, from, to, source)
	return nil
}

func (o *Orchestrator) announce(ctx context.Context, p *proposal.Proposal, from, to proposal.Status, source proposal.Source) {
	t := notify.Transition{
		ProposalID: p.ID,
		From:       from,
		To:         to,
		Source:     source,
		At:         o.now(),
	}
	if p.OnChainID != nil {
		t.OnChainID = p.OnChainID.String()
	}
	if err := o.publisher.PublishTransition(ctx, t); err != nil {
		o.metrics.publishFailed.Inc()
		o.logger.Warnf("publish transition of %s: %s", p.ID, err)
	}
}

// enqueue schedules follow-up work. A failure is only logged: the proposal
// stays where it is and the sweeper or a manual retry picks it up.
func (o *Orchestrator) enqueue(kind tasks.Kind, id string) {
	if err := o.queue.Enqueue(tasks.Task{Kind: kind, ProposalID: id}); err != nil {
		o.metrics.enqueueFailed.WithLabelValues(string(kind)).Inc()
		o.logger.WithField("proposal", id).Errorf("enqueue %s task: %s", kind, err)
	}
}
