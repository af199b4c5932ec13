// Package consensus implements the hybrid Proof-of-Stake validator path.
// It is the PoW engine's sibling: both append to the same chain through
// the same Ledger State and are mutually exclusive on a per-block basis.
// The validator itself is selected deterministically from stake weight.
package consensus

import (
	"github.com/shopspring/decimal"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
	"github.com/nilotic/ledger/internal/ledger"
)

// StakeLedger is the capability surface the validator path needs from the
// Ledger State.
type StakeLedger interface {
	Head() *chain.Block
	Config() ledger.Config
	StakeOf(address string) decimal.Decimal
	SelectValidator() (string, bool)
	AppendBlock(block *chain.Block) error
}

// Validator assembles and attests PoS blocks on behalf of a selected
// validator address.
type Validator struct {
	ledger StakeLedger
}

// New constructs a Validator bound to the given ledger.
func New(l StakeLedger) *Validator {
	return &Validator{ledger: l}
}

// SelectValidator picks the address with argmax(stake), ties broken by
// lexicographically smallest address.
func (v *Validator) SelectValidator() (string, bool) {
	return v.ledger.SelectValidator()
}

// AttestBlock attests a new block on behalf of validatorAddress: the
// validator must hold a positive stake; the block is built at the current
// head, carries the validator's signature, and holds a secondary reward
// coinbase of mining_reward * stake[validator] / 1000 as its first
// transaction, followed by pendingTxs.
func (v *Validator) AttestBlock(validatorAddress, signature string, pendingTxs []*chain.Transaction) (*chain.Block, error) {
	stake := v.ledger.StakeOf(validatorAddress)
	if !stake.IsPositive() {
		return nil, apperr.ErrNotAValidator
	}

	head := v.ledger.Head()
	cfg := v.ledger.Config()

	block := chain.NewBlock(head.Index+1, head.Hash)
	block.Validator = validatorAddress
	block.Signature = signature

	secondaryReward := cfg.MiningReward.Mul(stake).Div(decimal.NewFromInt(1000))
	if err := block.AddTransaction(chain.NewCoinbase(validatorAddress, secondaryReward)); err != nil {
		return nil, err
	}
	for _, tx := range pendingTxs {
		if err := block.AddTransaction(tx); err != nil {
			return nil, err
		}
	}

	block.MerkleRoot = block.RecomputeMerkleRoot()
	block.Hash = block.RecomputeHash()

	if err := v.ledger.AppendBlock(block); err != nil {
		return nil, err
	}
	return block, nil
}
