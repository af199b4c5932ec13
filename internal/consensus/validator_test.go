package consensus

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilotic/ledger/internal/ledger"
)

func newTestState(t *testing.T) *ledger.State {
	t.Helper()
	return ledger.NewGenesis(ledger.DefaultConfig(), ledger.GenesisAddress, decimal.NewFromInt(1000))
}

func TestAttestBlockRejectsNonValidator(t *testing.T) {
	state := newTestState(t)
	v := New(state)

	_, err := v.AttestBlock("nobody", "sig", nil)
	assert.Error(t, err)
}

func TestAttestBlockAppendsWithSecondaryReward(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.Stake(ledger.GenesisAddress, decimal.NewFromInt(500)))

	v := New(state)
	block, err := v.AttestBlock(ledger.GenesisAddress, "sig", nil)
	require.NoError(t, err)

	assert.Equal(t, ledger.GenesisAddress, block.Validator)
	assert.Equal(t, "sig", block.Signature)
	require.Len(t, block.Transactions, 1)

	// mining_reward (100) * stake (500) / 1000 = 50
	assert.True(t, block.Transactions[0].Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, uint64(2), state.Height())
}

func TestSelectValidatorDelegatesToLedger(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.Stake(ledger.GenesisAddress, decimal.NewFromInt(10)))

	v := New(state)
	addr, ok := v.SelectValidator()
	require.True(t, ok)
	assert.Equal(t, ledger.GenesisAddress, addr)
}
