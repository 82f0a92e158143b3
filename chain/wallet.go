package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/axiomesh/treasury/ledger"
	"github.com/ethereum/go-ethereum/common"
)

const (
	WalletModeContract = "contract"
	WalletModeToken    = "wallet"
)

var (
	_ ledger.Wallet = (*ContractWallet)(nil)
	_ ledger.Wallet = (*TokenWallet)(nil)
)

// ContractWallet pays out by executing the proposal on the governance
// contract, which holds the treasury.
type ContractWallet struct {
	gateway *Gateway
}

func NewContractWallet(g *Gateway) *ContractWallet {
	return &ContractWallet{gateway: g}
}

func (w *ContractWallet) Balance(ctx context.Context) (*big.Int, error) {
	return w.gateway.Balance(ctx)
}

func (w *ContractWallet) Transfer(ctx context.Context, t ledger.Transfer) (string, error) {
	if t.OnChainID == nil {
		return "", failed("execute", fmt.Errorf("proposal %s has no on-chain id", t.ProposalID))
	}
	return w.gateway.Execute(ctx, t.OnChainID)
}

// TokenWallet pays out with a direct token transfer from the signing account.
type TokenWallet struct {
	gateway *Gateway
}

func NewTokenWallet(g *Gateway) *TokenWallet {
	return &TokenWallet{gateway: g}
}

func (w *TokenWallet) Balance(ctx context.Context) (*big.Int, error) {
	return w.gateway.balanceOf(ctx, w.gateway.Sender())
}

func (w *TokenWallet) Transfer(ctx context.Context, t ledger.Transfer) (string, error) {
	if !common.IsHexAddress(t.Recipient) {
		return "", failed("transfer", fmt.Errorf("invalid recipient %q", t.Recipient))
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return "", failed("transfer", errors.New("transfer amount must be positive"))
	}
	return w.gateway.transact(ctx, "transfer", w.gateway.token, "transfer", common.HexToAddress(t.Recipient), t.Amount)
}

// NewWallet picks the wallet handle for mode.
func NewWallet(mode string, g *Gateway) (ledger.Wallet, error) {
	switch mode {
	case "", WalletModeContract:
		return NewContractWallet(g), nil
	case WalletModeToken:
		return NewTokenWallet(g), nil
	}
	return nil, fmt.Errorf("unknown wallet mode %q", mode)
}
