package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the log source the watcher reads from.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error)
}

var _ Client = (*MockClient)(nil)

// MockClient serves History from FilterLogs and forwards Emit to the last subscriber.
type MockClient struct {
	History []types.Log

	mu      sync.Mutex
	ch      chan<- types.Log
	sub     *MockSubscription
	queries []ethereum.FilterQuery
}

func (mc *MockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.queries = append(mc.queries, q)

	var logs []types.Log
	for _, l := range mc.History {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		logs = append(logs, l)
	}
	return logs, nil
}

func (mc *MockClient) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.queries = append(mc.queries, q)
	mc.ch = ch
	mc.sub = &MockSubscription{errCh: make(chan error, 1)}
	return mc.sub, nil
}

func (mc *MockClient) Emit(l types.Log) {
	mc.mu.Lock()
	ch := mc.ch
	mc.mu.Unlock()
	if ch != nil {
		ch <- l
	}
}

// Drop fails the current subscription.
func (mc *MockClient) Drop(err error) {
	mc.mu.Lock()
	sub := mc.sub
	mc.mu.Unlock()
	if sub != nil {
		sub.errCh <- err
	}
}

func (mc *MockClient) Queries() []ethereum.FilterQuery {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]ethereum.FilterQuery(nil), mc.queries...)
}

type MockSubscription struct {
	errCh chan error
	once  sync.Once
}

func (ms *MockSubscription) Unsubscribe() {
	ms.once.Do(func() { close(ms.errCh) })
}

func (ms *MockSubscription) Err() <-chan error {
	return ms.errCh
}

// ProposalLog builds a governance log of the named event for chainID.
func ProposalLog(contract common.Address, event string, chainID *big.Int, block uint64) types.Log {
	topics := []common.Hash{
		governanceABI.Events[event].ID,
		common.BigToHash(chainID),
	}
	return types.Log{
		Address:     contract,
		Topics:      topics,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + chainID.Uint64())),
	}
}
