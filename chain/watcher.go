package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/axiomesh/treasury/proposal"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

const (
	LogChanMaxSize = 1000

	nextFromBlockKey = "nextFromBlock"
)

// Cursor persists the block the watcher resumes from.
type Cursor interface {
	Get(key []byte) []byte
	Put(key, value []byte)
}

type SnapshotReader interface {
	ReadProposal(ctx context.Context, onChainID *big.Int) (*Snapshot, error)
}

// Handler receives every chain event the watcher derives from contract logs.
type Handler func(ctx context.Context, ev proposal.ChainEvent) error

type WatcherConfig struct {
	Address   common.Address
	FromBlock uint64
	// Quorum is the support needed before a VoteCast log counts as tally met.
	Quorum            *big.Int
	ReconnectAttempts uint
	ReconnectBackoff  time.Duration
	// RetryInterval is how often logs whose handler failed are applied again.
	RetryInterval time.Duration
}

type Watcher struct {
	cfg    WatcherConfig
	client Client
	dial   func(ctx context.Context) (Client, error)
	db     Cursor
	reader SnapshotReader
	handle Handler
	logger logrus.FieldLogger
	now    func() time.Time

	fromBlock *big.Int
	topics    [][]common.Hash
	logCh     chan types.Log
	logSub    ethereum.Subscription

	// highest block seen and logs whose handler failed
	highest uint64
	held    []types.Log

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher builds a watcher over client. dial, when set, is used to
// reconnect after the subscription drops.
func NewWatcher(cfg WatcherConfig, client Client, dial func(ctx context.Context) (Client, error), db Cursor, reader SnapshotReader, handle Handler, logger logrus.FieldLogger) *Watcher {
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	return &Watcher{
		cfg:       cfg,
		client:    client,
		dial:      dial,
		db:        db,
		reader:    reader,
		handle:    handle,
		logger:    logger,
		now:       time.Now,
		fromBlock: new(big.Int).SetUint64(cfg.FromBlock),
		topics: [][]common.Hash{{
			governanceABI.Events[EventProposalCreated].ID,
			governanceABI.Events[EventVoteCast].ID,
			governanceABI.Events[EventProposalExecuted].ID,
		}},
		logCh: make(chan types.Log, LogChanMaxSize),
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if err := w.fetchHistoryLog(ctx); err != nil {
		cancel()
		return err
	}
	if err := w.subscribeLog(ctx); err != nil {
		cancel()
		return err
	}

	w.wg.Add(1)
	go w.listenEvents(ctx)
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	if w.logSub != nil {
		w.logSub.Unsubscribe()
		w.logSub = nil
	}
}

func (w *Watcher) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).Set(w.fromBlock),
		Addresses: []common.Address{w.cfg.Address},
		Topics:    w.topics,
	}
}

func (w *Watcher) fetchHistoryLog(ctx context.Context) error {
	w.getNewestFromBlock()

	logs, err := w.client.FilterLogs(ctx, w.query())
	if err != nil {
		return err
	}
	w.logger.Debugf("fetched %d history logs from block %s", len(logs), w.fromBlock)

	for i := range logs {
		w.handleLog(ctx, &logs[i])
	}
	return nil
}

func (w *Watcher) subscribeLog(ctx context.Context) error {
	sub, err := w.client.SubscribeFilterLogs(ctx, w.query(), w.logCh)
	if err != nil {
		return err
	}
	w.logSub = sub
	return nil
}

func (w *Watcher) getNewestFromBlock() *big.Int {
	data := w.db.Get([]byte(nextFromBlockKey))
	if len(data) == 8 {
		next := binary.BigEndian.Uint64(data)
		if next > w.fromBlock.Uint64() {
			w.fromBlock = new(big.Int).SetUint64(next)
		}
	}
	return w.fromBlock
}

// advance moves the cursor to block, or to the lowest held block when that is
// lower. The cursor block itself is read again on restart since later logs of
// the same block may not have been handled.
func (w *Watcher) advance(block uint64) {
	if block > w.highest {
		w.highest = block
	}
	for _, h := range w.held {
		if h.BlockNumber < block {
			block = h.BlockNumber
		}
	}
	if block <= w.fromBlock.Uint64() {
		return
	}
	w.fromBlock = new(big.Int).SetUint64(block)
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, block)
	w.db.Put([]byte(nextFromBlockKey), data)
}

func (w *Watcher) listenEvents(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("listen chain events")
	ticker := time.NewTicker(w.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.retryHeld(ctx)
		case <-ctx.Done():
			w.logger.Info("chain watcher stopped")
			return
		case l := <-w.logCh:
			w.handleLog(ctx, &l)
		case err := <-w.logSub.Err():
			if ctx.Err() != nil {
				return
			}
			w.logger.Warnf("log subscription dropped: %v", err)
			if err := w.reconnect(ctx); err != nil {
				w.logger.Errorf("reconnect chain watcher: %s", err)
				return
			}
		}
	}
}

func (w *Watcher) reconnect(ctx context.Context) error {
	if w.logSub != nil {
		w.logSub.Unsubscribe()
	}

	action := func(attempt uint) error {
		if ctx.Err() != nil {
			return nil
		}
		if w.dial != nil {
			client, err := w.dial(ctx)
			if err != nil {
				w.logger.Debugf("dial attempt %d failed: %s", attempt, err)
				return err
			}
			w.client = client
		}
		if err := w.fetchHistoryLog(ctx); err != nil {
			return err
		}
		return w.subscribeLog(ctx)
	}
	if err := retry.Retry(action, strategy.Limit(w.cfg.ReconnectAttempts), strategy.Backoff(backoff.Fibonacci(w.cfg.ReconnectBackoff))); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.logger.Info("chain watcher reconnected")
	return nil
}

func (w *Watcher) handleLog(ctx context.Context, l *types.Log) {
	if err := w.applyLog(ctx, l); err != nil {
		w.logger.WithFields(logrus.Fields{
			"block": l.BlockNumber,
			"tx":    l.TxHash.Hex(),
		}).Errorf("apply chain log: %s", err)
		w.hold(*l)
	}
	w.advance(l.BlockNumber)
}

// applyLog returns an error only when the log has to be applied again.
func (w *Watcher) applyLog(ctx context.Context, l *types.Log) error {
	if l.Removed || len(l.Topics) < 2 {
		return nil
	}
	id := new(big.Int).SetBytes(l.Topics[1].Bytes())
	ev := proposal.ChainEvent{
		ChainProposalID: id,
		TxRef:           l.TxHash.Hex(),
		Source:          proposal.SourceWatcher,
	}

	switch l.Topics[0] {
	case governanceABI.Events[EventProposalCreated].ID:
		ev.Kind, ev.RawKind = proposal.EventRegistered, EventProposalCreated
	case governanceABI.Events[EventProposalExecuted].ID:
		ev.Kind, ev.RawKind = proposal.EventExecuted, EventProposalExecuted
	case governanceABI.Events[EventVoteCast].ID:
		snapshot, err := w.reader.ReadProposal(ctx, id)
		if err != nil {
			return fmt.Errorf("read proposal %s after vote: %w", id, err)
		}
		ev.Kind, ev.RawKind = snapshot.Implied(w.now(), w.cfg.Quorum), EventVoteCast
		if ev.Kind == proposal.EventUnknown {
			return nil
		}
	default:
		w.logger.Debugf("ignore log with topic %s", l.Topics[0])
		return nil
	}
	return w.handle(ctx, ev)
}

// hold keeps a failed log for retryHeld. The cursor stays at or below the
// lowest held block so a restart replays it.
func (w *Watcher) hold(l types.Log) {
	for _, h := range w.held {
		if h.TxHash == l.TxHash && h.Index == l.Index {
			return
		}
	}
	w.held = append(w.held, l)
}

func (w *Watcher) retryHeld(ctx context.Context) {
	if len(w.held) == 0 {
		return
	}
	var still []types.Log
	for i := range w.held {
		if err := w.applyLog(ctx, &w.held[i]); err != nil {
			w.logger.Debugf("retry log at block %d: %s", w.held[i].BlockNumber, err)
			still = append(still, w.held[i])
		}
	}
	if len(still) < len(w.held) {
		w.logger.Infof("applied %d held chain logs", len(w.held)-len(still))
	}
	w.held = still
	w.advance(w.highest)
}
