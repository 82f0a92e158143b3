package core

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/axiomesh/treasury/tasks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func kinds(ts []tasks.Task) map[tasks.Kind][]string {
	out := make(map[tasks.Kind][]string)
	for _, t := range ts {
		out[t.Kind] = append(out[t.Kind], t.ProposalID)
	}
	return out
}

func TestSweepOnceSchedulesStuckProposals(t *testing.T) {
	h := newHarness(t, Config{AutoFinalize: true})
	ctx := context.Background()

	stuck := h.submit(t, author)
	h.queue.take() // review task lost

	onChain := h.submit(t, "user-7")
	h.drain(t)
	_, err := h.o.ApplyChainEvent(ctx, chainEvent(proposal.EventVoteTallyMet, mustChainID(t, h, onChain.ID)))
	require.NoError(t, err)
	h.queue.take() // finalize task lost

	s := NewSweeper(SweeperConfig{MinAge: 0}, h.o, logrus.New())
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)

	got := kinds(h.queue.take())
	assert.Equal(t, []string{stuck.ID}, got[tasks.KindReview])
	assert.Equal(t, []string{onChain.ID}, got[tasks.KindReconcile])
	assert.Equal(t, []string{onChain.ID}, got[tasks.KindFinalize])
	assert.Empty(t, got[tasks.KindRegister])
	assert.Equal(t, 3, n)
}

func TestSweepOnceSkipsRecentAndRespectsAutoFinalize(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.submit(t, author)
	h.queue.take()

	s := NewSweeper(SweeperConfig{MinAge: time.Hour}, h.o, logrus.New())
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.o.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeperStartStop(t *testing.T) {
	// the store's connection opener lives until cleanup
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	h := newHarness(t, Config{})
	h.submit(t, author)
	h.queue.take()

	s := NewSweeper(SweeperConfig{Interval: 10 * time.Millisecond}, h.o, logrus.New())
	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		h.queue.mu.Lock()
		defer h.queue.mu.Unlock()
		return len(h.queue.tasks) > 0
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func mustChainID(t *testing.T, h *harness, id string) *big.Int {
	t.Helper()
	p, err := h.store.GetProposal(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p.OnChainID)
	return p.OnChainID
}
