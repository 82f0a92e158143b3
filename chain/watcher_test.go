package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/axiomesh/treasury/proposal"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []proposal.ChainEvent
	err    error
	// failing chain ids and the error they return
	failing map[int64]error
}

func (r *recorder) handle(_ context.Context, ev proposal.ChainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := r.failing[ev.ChainProposalID.Int64()]; err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []proposal.ChainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proposal.ChainEvent(nil), r.events...)
}

type staticReader struct {
	snapshot *Snapshot
}

func (s staticReader) ReadProposal(context.Context, *big.Int) (*Snapshot, error) {
	if s.snapshot == nil {
		return nil, errors.New("not found")
	}
	return s.snapshot, nil
}

func newCursorDB(t *testing.T) storage.Storage {
	t.Helper()
	db, err := leveldb.New(filepath.Join(t.TempDir(), "leveldb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWatcherHistoryAndSubscription(t *testing.T) {
	db := newCursorDB(t)
	client := &MockClient{History: fixtures{
		{EventProposalCreated, 1, 5},
		{EventProposalExecuted, 1, 8},
	}.logs()}
	rec := &recorder{}
	reader := staticReader{snapshot: &Snapshot{ForVotes: big.NewInt(100), AgainstVotes: big.NewInt(1)}}

	w := NewWatcher(WatcherConfig{Address: contractAddr, Quorum: big.NewInt(50)}, client, nil, db, reader, rec.handle, logrus.New())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, proposal.EventRegistered, events[0].Kind)
	assert.Equal(t, big.NewInt(1), events[0].ChainProposalID)
	assert.Equal(t, proposal.SourceWatcher, events[0].Source)
	assert.Equal(t, proposal.EventExecuted, events[1].Kind)

	client.Emit(ProposalLog(contractAddr, EventVoteCast, big.NewInt(2), 9))
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	tally := rec.snapshot()[2]
	assert.Equal(t, proposal.EventVoteTallyMet, tally.Kind)
	assert.Equal(t, EventVoteCast, tally.RawKind)
}

func TestWatcherResumesFromCursor(t *testing.T) {
	db := newCursorDB(t)
	client := &MockClient{History: fixtures{
		{EventProposalCreated, 1, 5},
		{EventProposalCreated, 2, 12},
	}.logs()}
	rec := &recorder{}

	w := NewWatcher(WatcherConfig{Address: contractAddr}, client, nil, db, staticReader{}, rec.handle, logrus.New())
	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	again := &MockClient{}
	w2 := NewWatcher(WatcherConfig{Address: contractAddr}, again, nil, db, staticReader{}, rec.handle, logrus.New())
	require.NoError(t, w2.Start(context.Background()))
	w2.Stop()

	queries := again.Queries()
	require.NotEmpty(t, queries)
	assert.Equal(t, uint64(12), queries[0].FromBlock.Uint64())
}

func TestWatcherHandlerFailureKeepsCursor(t *testing.T) {
	db := newCursorDB(t)
	client := &MockClient{History: fixtures{{EventProposalCreated, 1, 5}}.logs()}
	rec := &recorder{err: errors.New("store unavailable")}

	w := NewWatcher(WatcherConfig{Address: contractAddr}, client, nil, db, staticReader{}, rec.handle, logrus.New())
	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	assert.Equal(t, uint64(5), cursorBlock(t, db))
}

func cursorBlock(t *testing.T, db storage.Storage) uint64 {
	t.Helper()
	data := db.Get([]byte(nextFromBlockKey))
	require.Len(t, data, 8)
	return binary.BigEndian.Uint64(data)
}

func TestWatcherHeldLogBlocksCursorUntilApplied(t *testing.T) {
	db := newCursorDB(t)
	client := &MockClient{History: fixtures{
		{EventProposalCreated, 1, 5},
		{EventProposalCreated, 2, 9},
	}.logs()}
	rec := &recorder{failing: map[int64]error{1: errors.New("database is locked")}}

	w := NewWatcher(WatcherConfig{Address: contractAddr, RetryInterval: 10 * time.Millisecond},
		client, nil, db, staticReader{}, rec.handle, logrus.New())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// a later log went through but the cursor stays on the failed block
	require.Len(t, rec.snapshot(), 1)
	assert.Equal(t, uint64(5), cursorBlock(t, db))

	client.Emit(ProposalLog(contractAddr, EventProposalCreated, big.NewInt(3), 12))
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(5), cursorBlock(t, db))

	rec.mu.Lock()
	rec.failing = nil
	rec.mu.Unlock()

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond,
		"held log is applied again")
	assert.Eventually(t, func() bool { return cursorBlock(t, db) == 12 }, time.Second, 5*time.Millisecond)
}

func TestWatcherUndecidedVoteIsSkipped(t *testing.T) {
	db := newCursorDB(t)
	client := &MockClient{History: fixtures{{EventVoteCast, 3, 4}}.logs()}
	rec := &recorder{}
	reader := staticReader{snapshot: &Snapshot{ForVotes: big.NewInt(1), AgainstVotes: big.NewInt(0), Deadline: time.Now().Add(time.Hour)}}

	w := NewWatcher(WatcherConfig{Address: contractAddr, Quorum: big.NewInt(50)}, client, nil, db, reader, rec.handle, logrus.New())
	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	assert.Empty(t, rec.snapshot())
}

func TestWatcherReconnects(t *testing.T) {
	db := newCursorDB(t)
	client := &MockClient{}
	rec := &recorder{}
	var dials atomic.Int32
	dial := func(context.Context) (Client, error) {
		dials.Add(1)
		return client, nil
	}

	w := NewWatcher(WatcherConfig{Address: contractAddr, ReconnectBackoff: time.Millisecond}, client, dial, db, staticReader{}, rec.handle, logrus.New())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	client.Drop(errors.New("connection reset"))
	assert.Eventually(t, func() bool { return len(client.Queries()) >= 4 }, time.Second, 5*time.Millisecond,
		"history and subscription are requested again")
	assert.Equal(t, int32(1), dials.Load())

	client.Emit(ProposalLog(contractAddr, EventProposalCreated, big.NewInt(6), 20))
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

// logFixture is event name, chain id and block.
type logFixture struct {
	event   string
	chainID int64
	block   uint64
}

type fixtures []logFixture

func (f fixtures) logs() []types.Log {
	out := make([]types.Log, 0, len(f))
	for _, x := range f {
		out = append(out, ProposalLog(contractAddr, x.event, big.NewInt(x.chainID), x.block))
	}
	return out
}
