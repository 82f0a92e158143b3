package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const GovernanceABI = `[
  {"type":"function","name":"createProposal","stateMutability":"nonpayable",
   "inputs":[
     {"name":"recipient","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"title","type":"string"},
     {"name":"description","type":"string"},
     {"name":"votingPeriod","type":"uint256"}],
   "outputs":[{"name":"proposalId","type":"uint256"}]},
  {"type":"function","name":"azuraReview","stateMutability":"nonpayable",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"level","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"vote","stateMutability":"nonpayable",
   "inputs":[{"name":"proposalId","type":"uint256"},{"name":"support","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"executeProposal","stateMutability":"nonpayable",
   "inputs":[{"name":"proposalId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getProposal","stateMutability":"view",
   "inputs":[{"name":"proposalId","type":"uint256"}],
   "outputs":[
     {"name":"proposer","type":"address"},
     {"name":"recipient","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"title","type":"string"},
     {"name":"description","type":"string"},
     {"name":"forVotes","type":"uint256"},
     {"name":"againstVotes","type":"uint256"},
     {"name":"deadline","type":"uint256"},
     {"name":"azuraLevel","type":"uint8"},
     {"name":"azuraApproved","type":"bool"},
     {"name":"executed","type":"bool"}]},
  {"type":"event","name":"ProposalCreated","anonymous":false,
   "inputs":[
     {"name":"proposalId","type":"uint256","indexed":true},
     {"name":"proposer","type":"address","indexed":true},
     {"name":"recipient","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"title","type":"string","indexed":false}]},
  {"type":"event","name":"AzuraReview","anonymous":false,
   "inputs":[
     {"name":"proposalId","type":"uint256","indexed":true},
     {"name":"level","type":"uint8","indexed":false},
     {"name":"approved","type":"bool","indexed":false}]},
  {"type":"event","name":"VoteCast","anonymous":false,
   "inputs":[
     {"name":"proposalId","type":"uint256","indexed":true},
     {"name":"voter","type":"address","indexed":true},
     {"name":"support","type":"bool","indexed":false},
     {"name":"weight","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProposalExecuted","anonymous":false,
   "inputs":[
     {"name":"proposalId","type":"uint256","indexed":true},
     {"name":"recipient","type":"address","indexed":false},
     {"name":"amount","type":"uint256","indexed":false}]}
]`

// ERC20ABI is the subset of the token interface the treasury touches.
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const (
	EventProposalCreated  = "ProposalCreated"
	EventAzuraReview      = "AzuraReview"
	EventVoteCast         = "VoteCast"
	EventProposalExecuted = "ProposalExecuted"
)

var (
	governanceABI = mustParseABI(GovernanceABI)
	erc20ABI      = mustParseABI(ERC20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func GovernanceContractABI() abi.ABI {
	return governanceABI
}

func ERC20ContractABI() abi.ABI {
	return erc20ABI
}
