package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Driver: DriverSqlite, DataDir: t.TempDir()}, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newProposal(id, author string, createdAt time.Time) *proposal.Proposal {
	return &proposal.Proposal{
		ID:        id,
		Author:    author,
		Recipient: "0x110000000000000000000000000000000000ffff",
		Amount:    big.NewInt(5000),
		Title:     "Fund the indexer",
		Body:      "Run a public indexer for twelve months.",
		Status:    proposal.StatusPendingReview,
		CreatedAt: createdAt,
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql"}, logrus.New())
	assert.Error(t, err)
	_, err = Open(Config{Driver: DriverPostgres}, logrus.New())
	assert.Error(t, err, "postgres needs a dsn")
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(Config{}, logrus.New())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateProposal(context.Background(), newProposal("p1", "alice", time.Now())))
}

func TestCreateAndGetProposal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := newProposal("p1", "alice", time.Now().UTC().Truncate(time.Second))
	p.Amount, _ = new(big.Int).SetString("123456789012345678901234567890", 10)
	require.NoError(t, s.CreateProposal(ctx, p))

	got, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Amount.String(), got.Amount.String())
	assert.Equal(t, proposal.StatusPendingReview, got.Status)
	assert.Nil(t, got.OnChainID)
	assert.False(t, got.Registered())

	_, err = s.GetProposal(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	transitions, err := s.ListTransitions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, proposal.Status(""), transitions[0].From)
	assert.Equal(t, proposal.StatusPendingReview, transitions[0].To)
}

func TestCreateProposalAfterCooldown(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cooldown := 24 * time.Hour

	require.NoError(t, s.CreateProposalAfterCooldown(ctx, newProposal("p1", "alice", base), cooldown))
	require.NoError(t, s.CreateProposalAfterCooldown(ctx, newProposal("p2", "alice", base.Add(time.Hour)), 0))

	err := s.CreateProposalAfterCooldown(ctx, newProposal("p3", "alice", base.Add(3*time.Hour)), cooldown)
	var cd *CooldownError
	require.ErrorAs(t, err, &cd)
	assert.Equal(t, "alice", cd.Author)
	assert.True(t, base.Add(time.Hour).Equal(cd.Latest), "latest is the newest proposal")
	_, err = s.GetProposal(ctx, "p3")
	assert.ErrorIs(t, err, ErrNotFound)

	// other authors have their own window
	require.NoError(t, s.CreateProposalAfterCooldown(ctx, newProposal("p4", "bob", base.Add(3*time.Hour)), cooldown))

	require.NoError(t, s.CreateProposalAfterCooldown(ctx, newProposal("p5", "alice", base.Add(25*time.Hour+time.Second)), cooldown))
}

func TestCreateProposalAfterCooldownConcurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		created  atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newProposal(fmt.Sprintf("p%d", i), "alice", now.Add(time.Duration(i)*time.Millisecond))
			err := s.CreateProposalAfterCooldown(ctx, p, time.Hour)
			var cd *CooldownError
			switch {
			case err == nil:
				created.Add(1)
			case errors.As(err, &cd):
				rejected.Add(1)
			default:
				t.Errorf("create %s: %v", p.ID, err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, 7, rejected.Load())
}

func TestCompareAndSwapStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProposal(ctx, newProposal("p1", "alice", time.Now())))

	require.NoError(t, s.CompareAndSwapStatus(ctx, "p1", proposal.StatusPendingReview, proposal.StatusApproved, proposal.SourceTask))
	err := s.CompareAndSwapStatus(ctx, "p1", proposal.StatusPendingReview, proposal.StatusRejected, proposal.SourceTask)
	assert.ErrorIs(t, err, ErrStaleState)

	err = s.CompareAndSwapStatus(ctx, "missing", proposal.StatusPendingReview, proposal.StatusApproved, proposal.SourceTask)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, got.Status)

	transitions, err := s.ListTransitions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, proposal.StatusPendingReview, transitions[1].From)
	assert.Equal(t, proposal.StatusApproved, transitions[1].To)
	assert.Equal(t, proposal.SourceTask, transitions[1].Source)
}

func TestCompareAndSwapConcurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProposal(ctx, newProposal("p1", "alice", time.Now())))

	var wins, stale atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CompareAndSwapStatus(ctx, "p1", proposal.StatusPendingReview, proposal.StatusApproved, proposal.SourceWebhook)
			if err == nil {
				wins.Add(1)
			} else if assert.ErrorIs(t, err, ErrStaleState) {
				stale.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), stale.Load())
}

func TestApplyReview(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProposal(ctx, newProposal("p1", "alice", time.Now())))

	percent := 25
	review := &proposal.Review{
		ProposalID: "p1",
		Verdict: proposal.Verdict{
			Decision:          proposal.DecisionApproved,
			Scores:            [proposal.ScoreCount]int{8, 7, 9, 6, 7, 8},
			AllocationPercent: &percent,
			Rationale:         "solid plan",
		},
		ReviewedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ApplyReview(ctx, review, proposal.StatusApproved, proposal.SourceTask))

	got, err := s.GetReview(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, review.Scores, got.Scores)
	require.NotNil(t, got.AllocationPercent)
	assert.Equal(t, 25, *got.AllocationPercent)

	p, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, p.Status)

	err = s.ApplyReview(ctx, review, proposal.StatusApproved, proposal.SourceTask)
	assert.ErrorIs(t, err, ErrReviewExists)

	_, err = s.GetReview(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyReviewRollsBackOnStaleState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProposal(ctx, newProposal("p1", "alice", time.Now())))
	require.NoError(t, s.CompareAndSwapStatus(ctx, "p1", proposal.StatusPendingReview, proposal.StatusRejected, proposal.SourceAPI))

	err := s.ApplyReview(ctx, &proposal.Review{
		ProposalID: "p1",
		Verdict:    proposal.Reject("late"),
		ReviewedAt: time.Now(),
	}, proposal.StatusRejected, proposal.SourceTask)
	assert.ErrorIs(t, err, ErrStaleState)

	_, err = s.GetReview(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound, "review insert rolled back")
}

func TestRecordRegistration(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProposal(ctx, newProposal("p1", "alice", time.Now())))
	require.NoError(t, s.CreateProposal(ctx, newProposal("p2", "bob", time.Now())))

	require.NoError(t, s.RecordRegistration(ctx, "p1", nil, "0xaaa"))
	p, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", p.OnChainTxRef)
	assert.Nil(t, p.OnChainID)

	require.NoError(t, s.RecordRegistration(ctx, "p1", big.NewInt(7), "0xaaa"))
	require.NoError(t, s.RecordRegistration(ctx, "p1", big.NewInt(7), ""), "same id again is a no-op")
	assert.Error(t, s.RecordRegistration(ctx, "p1", big.NewInt(8), ""))

	byChain, err := s.GetProposalByChainID(ctx, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, "p1", byChain.ID)

	_, err = s.GetProposalByChainID(ctx, big.NewInt(99))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.RecordRegistration(ctx, "p2", big.NewInt(7), ""), "chain id is unique")
}

func TestReviewTxAndDiscrepancy(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProposal(ctx, newProposal("p1", "alice", time.Now())))

	require.NoError(t, s.RecordReviewTx(ctx, "p1", "0xbbb"))
	require.NoError(t, s.FlagDiscrepancy(ctx, "p1", true))
	p, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "0xbbb", p.ReviewTxRef)
	assert.True(t, p.Discrepancy)
}

func TestListByStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, s.CreateProposal(ctx, newProposal(id, id, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.CompareAndSwapStatus(ctx, "p2", proposal.StatusPendingReview, proposal.StatusApproved, proposal.SourceTask))

	pending, err := s.ListByStatus(ctx, proposal.StatusPendingReview, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "p1", pending[0].ID)
	assert.Equal(t, "p3", pending[1].ID)

	limited, err := s.ListByStatus(ctx, proposal.StatusPendingReview, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSaveAllocationUpserts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &proposal.Allocation{
		ProposalID: "p1",
		Recipient:  "0x110000000000000000000000000000000000ffff",
		Percent:    25,
		Amount:     big.NewInt(250_000),
		Status:     proposal.AllocationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.SaveAllocation(ctx, a))

	a.Status = proposal.AllocationConfirmed
	a.TxRef = "0xccc"
	a.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.SaveAllocation(ctx, a))

	got, err := s.GetAllocation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, proposal.AllocationConfirmed, got.Status)
	assert.Equal(t, "0xccc", got.TxRef)
	assert.Equal(t, big.NewInt(250_000), got.Amount)

	all, err := s.ListAllocations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetAllocation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
