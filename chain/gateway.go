// Package chain wraps the governance contract and its treasury token.
//
// Every call may block on network confirmation and every call can fail. A
// transaction that was sent but not mined within the confirm timeout is
// reported as KindPending with its hash so callers can resolve it later
// instead of sending it again.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const DefaultConfirmTimeout = 2 * time.Minute

// Contract is the part of bind.BoundContract the gateway uses.
type Contract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

var _ Contract = (*bind.BoundContract)(nil)

type Config struct {
	DialURL         string
	ContractAddress string
	TokenAddress    string
	PrivateKey      string
	ChainID         uint64
	ConfirmTimeout  time.Duration
}

type Options struct {
	Contract Contract
	Token    Contract
	Backend  bind.DeployBackend
	// Address is the governance contract, which also holds the treasury tokens.
	Address        common.Address
	Signer         *bind.TransactOpts
	ConfirmTimeout time.Duration
}

type Gateway struct {
	contract       Contract
	token          Contract
	backend        bind.DeployBackend
	address        common.Address
	signer         *bind.TransactOpts
	confirmTimeout time.Duration
	logger         logrus.FieldLogger

	// serializes sends so concurrent callers do not race on the account nonce
	sendMu sync.Mutex
}

type RegisterRequest struct {
	Recipient    string
	Amount       *big.Int
	Title        string
	Body         string
	VotingPeriod time.Duration
}

type TxState uint8

const (
	TxPending TxState = iota
	TxConfirmed
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Snapshot is the contract's view of one proposal.
type Snapshot struct {
	ID             *big.Int
	Proposer       common.Address
	Recipient      common.Address
	Amount         *big.Int
	Title          string
	Description    string
	ForVotes       *big.Int
	AgainstVotes   *big.Int
	Deadline       time.Time
	ReviewLevel    uint8
	ReviewApproved bool
	Executed       bool
}

// TallyMet reports whether support reached quorum and outweighs opposition.
func (s *Snapshot) TallyMet(quorum *big.Int) bool {
	if s.ForVotes == nil {
		return false
	}
	against := s.AgainstVotes
	if against == nil {
		against = new(big.Int)
	}
	if quorum != nil && s.ForVotes.Cmp(quorum) < 0 {
		return false
	}
	return s.ForVotes.Cmp(against) > 0
}

// Implied returns the lifecycle event the chain state stands for at now, or
// EventUnknown while voting is still open and undecided.
func (s *Snapshot) Implied(now time.Time, quorum *big.Int) proposal.EventKind {
	switch {
	case s.Executed:
		return proposal.EventExecuted
	case s.TallyMet(quorum):
		return proposal.EventVoteTallyMet
	case !s.Deadline.IsZero() && now.After(s.Deadline):
		return proposal.EventRejectedOnChain
	}
	return proposal.EventUnknown
}

// Dial connects to the node and binds the governance and token contracts.
func Dial(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Gateway, *ethclient.Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, nil, fmt.Errorf("invalid token address %q", cfg.TokenAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(cfg.ChainID))
	if err != nil {
		return nil, nil, err
	}

	client, err := ethclient.DialContext(ctx, cfg.DialURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.DialURL, err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	g, err := NewGateway(Options{
		Contract:       bind.NewBoundContract(address, governanceABI, client, client, client),
		Token:          bind.NewBoundContract(common.HexToAddress(cfg.TokenAddress), erc20ABI, client, client, client),
		Backend:        client,
		Address:        address,
		Signer:         signer,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return g, client, nil
}

func NewGateway(opts Options, logger logrus.FieldLogger) (*Gateway, error) {
	if opts.Contract == nil || opts.Backend == nil || opts.Signer == nil {
		return nil, errors.New("gateway requires a contract, a backend and a signer")
	}
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Gateway{
		contract:       opts.Contract,
		token:          opts.Token,
		backend:        opts.Backend,
		address:        opts.Address,
		signer:         opts.Signer,
		confirmTimeout: timeout,
		logger:         logger,
	}, nil
}

func (g *Gateway) Address() common.Address {
	return g.address
}

// Sender is the account that signs gateway transactions.
func (g *Gateway) Sender() common.Address {
	return g.signer.From
}

// Register creates the proposal on-chain and returns its contract id.
func (g *Gateway) Register(ctx context.Context, req RegisterRequest) (*big.Int, string, error) {
	if !common.IsHexAddress(req.Recipient) {
		return nil, "", failed("register", fmt.Errorf("invalid recipient %q", req.Recipient))
	}
	period := new(big.Int).SetInt64(int64(req.VotingPeriod / time.Second))
	tx, err := g.send(ctx, "register", g.contract, "createProposal",
		common.HexToAddress(req.Recipient), req.Amount, req.Title, req.Body, period)
	if err != nil {
		return nil, "", err
	}
	txRef := tx.Hash().Hex()
	receipt, err := g.wait(ctx, "register", tx)
	if err != nil {
		return nil, txRef, err
	}
	id, err := g.createdID(receipt)
	if err != nil {
		return nil, txRef, &Error{Op: "register", Kind: KindFailed, TxRef: txRef, Err: err}
	}
	g.logger.WithFields(logrus.Fields{"chain_id": id, "tx": txRef}).Info("proposal registered on-chain")
	return id, txRef, nil
}

// RegistrationResult resolves a registration whose confirmation was not observed.
func (g *Gateway) RegistrationResult(ctx context.Context, txRef string) (*big.Int, error) {
	receipt, err := g.receipt(ctx, "register", txRef)
	if err != nil {
		return nil, err
	}
	id, err := g.createdID(receipt)
	if err != nil {
		return nil, &Error{Op: "register", Kind: KindFailed, TxRef: txRef, Err: err}
	}
	return id, nil
}

// AnnotateAndVote records the reviewer's level, which the contract counts as
// its weighted vote.
func (g *Gateway) AnnotateAndVote(ctx context.Context, onChainID *big.Int, level uint8) (string, error) {
	if level > proposal.MaxReviewLevel {
		return "", failed("annotate", fmt.Errorf("level %d above %d", level, proposal.MaxReviewLevel))
	}
	return g.transact(ctx, "annotate", g.contract, "azuraReview", onChainID, level)
}

func (g *Gateway) Vote(ctx context.Context, onChainID *big.Int, support bool) (string, error) {
	return g.transact(ctx, "vote", g.contract, "vote", onChainID, support)
}

// Execute asks the contract to pay out the proposal.
func (g *Gateway) Execute(ctx context.Context, onChainID *big.Int) (string, error) {
	return g.transact(ctx, "execute", g.contract, "executeProposal", onChainID)
}

func (g *Gateway) ReadProposal(ctx context.Context, onChainID *big.Int) (*Snapshot, error) {
	var out []interface{}
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getProposal", onChainID); err != nil {
		return nil, failed("read", err)
	}
	if len(out) != 11 {
		return nil, failed("read", fmt.Errorf("getProposal returned %d values", len(out)))
	}
	deadline := *abi.ConvertType(out[7], new(*big.Int)).(**big.Int)
	s := &Snapshot{
		ID:             new(big.Int).Set(onChainID),
		Proposer:       *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Recipient:      *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Amount:         *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		Title:          *abi.ConvertType(out[3], new(string)).(*string),
		Description:    *abi.ConvertType(out[4], new(string)).(*string),
		ForVotes:       *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
		AgainstVotes:   *abi.ConvertType(out[6], new(*big.Int)).(**big.Int),
		ReviewLevel:    *abi.ConvertType(out[8], new(uint8)).(*uint8),
		ReviewApproved: *abi.ConvertType(out[9], new(bool)).(*bool),
		Executed:       *abi.ConvertType(out[10], new(bool)).(*bool),
	}
	if deadline != nil && deadline.Sign() > 0 {
		s.Deadline = time.Unix(deadline.Int64(), 0).UTC()
	}
	return s, nil
}

func (g *Gateway) TxStatus(ctx context.Context, txRef string) (TxState, error) {
	_, err := g.receipt(ctx, "status", txRef)
	var chainErr *Error
	switch {
	case err == nil:
		return TxConfirmed, nil
	case errors.As(err, &chainErr) && chainErr.Kind == KindPending:
		return TxPending, nil
	case errors.As(err, &chainErr) && chainErr.Kind == KindReverted:
		return TxReverted, nil
	}
	return TxPending, err
}

// Balance is the treasury token balance held by the governance contract.
func (g *Gateway) Balance(ctx context.Context) (*big.Int, error) {
	return g.balanceOf(ctx, g.address)
}

func (g *Gateway) balanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if g.token == nil {
		return nil, failed("balance", errors.New("no token contract configured"))
	}
	var out []interface{}
	if err := g.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, failed("balance", err)
	}
	if len(out) != 1 {
		return nil, failed("balance", fmt.Errorf("balanceOf returned %d values", len(out)))
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (g *Gateway) transact(ctx context.Context, op string, c Contract, method string, params ...interface{}) (string, error) {
	tx, err := g.send(ctx, op, c, method, params...)
	if err != nil {
		return "", err
	}
	txRef := tx.Hash().Hex()
	if _, err := g.wait(ctx, op, tx); err != nil {
		return txRef, err
	}
	return txRef, nil
}

func (g *Gateway) send(ctx context.Context, op string, c Contract, method string, params ...interface{}) (*types.Transaction, error) {
	if c == nil {
		return nil, failed(op, errors.New("contract not configured"))
	}
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	opts := *g.signer
	opts.Context = ctx
	tx, err := c.Transact(&opts, method, params...)
	if err != nil {
		return nil, failed(op, err)
	}
	g.logger.WithFields(logrus.Fields{"op": op, "tx": tx.Hash().Hex()}).Debug("transaction sent")
	return tx, nil
}

func (g *Gateway) wait(ctx context.Context, op string, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	txRef := tx.Hash().Hex()
	receipt, err := bind.WaitMined(waitCtx, g.backend, tx)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindPending, TxRef: txRef, Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, &Error{Op: op, Kind: KindReverted, TxRef: txRef}
	}
	return receipt, nil
}

func (g *Gateway) receipt(ctx context.Context, op, txRef string) (*types.Receipt, error) {
	receipt, err := g.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, &Error{Op: op, Kind: KindPending, TxRef: txRef}
		}
		return nil, &Error{Op: op, Kind: KindFailed, TxRef: txRef, Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, &Error{Op: op, Kind: KindReverted, TxRef: txRef}
	}
	return receipt, nil
}

func (g *Gateway) createdID(receipt *types.Receipt) (*big.Int, error) {
	topic := governanceABI.Events[EventProposalCreated].ID
	for _, l := range receipt.Logs {
		if l.Address != g.address || len(l.Topics) < 2 || l.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()), nil
	}
	return nil, errors.New("receipt carries no ProposalCreated event")
}
