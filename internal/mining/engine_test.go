package mining

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
	"github.com/nilotic/ledger/internal/ledger"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func newTestEngine(t *testing.T, cfg ledger.Config) (*Engine, *ledger.State) {
	t.Helper()
	state := ledger.NewGenesis(cfg, ledger.GenesisAddress, decimal.NewFromInt(1000))
	eng := New(state, state, testLogger(), 2)
	return eng, state
}

func lowDifficultyConfig() ledger.Config {
	return ledger.Config{Difficulty: 1, MiningReward: decimal.NewFromInt(100), TransactionFee: decimal.NewFromFloat(0.01)}
}

func TestMineBlockWithNoPendingProducesSoloCoinbase(t *testing.T) {
	eng, state := newTestEngine(t, lowDifficultyConfig())

	block, err := eng.MineBlock(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, chain.Coinbase, block.Transactions[0].Sender)
	assert.True(t, block.Transactions[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, uint64(2), state.Height())
}

func TestMineBlockIncludesPendingAndChargesFee(t *testing.T) {
	cfg := lowDifficultyConfig()
	eng, state := newTestEngine(t, cfg)

	_, err := eng.MineBlock(context.Background(), "alice", 0) // fund alice: 100
	require.NoError(t, err)

	transfer := chain.NewTransaction("alice", "bob", decimal.NewFromInt(10), false, "", "")
	transfer.Sign("k")
	require.NoError(t, eng.AddTransaction(transfer))
	assert.Equal(t, 1, state.PendingLen())

	block, err := eng.MineBlock(context.Background(), "carol", 0)
	require.NoError(t, err)
	require.Len(t, block.Transactions, 2)
	assert.True(t, block.Transactions[0].Amount.Equal(cfg.MiningReward.Add(cfg.TransactionFee)))
	assert.Equal(t, 0, state.PendingLen())
	assert.True(t, state.Balance("bob").Equal(decimal.NewFromInt(10)))
}

func TestAddTransactionRejectsInvalid(t *testing.T) {
	eng, _ := newTestEngine(t, lowDifficultyConfig())
	invalid := chain.NewTransaction("", "bob", decimal.NewFromInt(1), false, "", "")
	assert.Error(t, eng.AddTransaction(invalid))
}

func TestAddTransactionRateLimited(t *testing.T) {
	eng, _ := newTestEngine(t, lowDifficultyConfig())

	var lastErr error
	for i := 0; i < MaxRequestsPerMinute+5; i++ {
		tx := chain.NewTransaction("alice", "bob", decimal.NewFromInt(int64(i+1)), true, "", "")
		tx.Sign("k")
		lastErr = eng.AddTransaction(tx)
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, apperr.ErrRateLimited)
}

func TestSelectPendingSkipsTransactionThatWouldGoNegative(t *testing.T) {
	cfg := lowDifficultyConfig()
	eng, state := newTestEngine(t, cfg)

	tx1 := chain.NewTransaction("alice", "bob", decimal.NewFromInt(5), true, "", "")
	tx1.Sign("k")
	tx2 := chain.NewTransaction("alice", "carol", decimal.NewFromInt(5), true, "", "")
	tx2.Sign("k")
	require.NoError(t, state.EnqueuePending(tx1))
	require.NoError(t, state.EnqueuePending(tx2))
	// alice has zero balance: both transactions should be skipped, and
	// neither should be removed from the pending queue.
	included, feeSum := eng.selectPending(cfg.TransactionFee)
	assert.Empty(t, included)
	assert.True(t, feeSum.IsZero())
	assert.Equal(t, 2, state.PendingLen())
}

func TestCalculateBlockRewardHalvesAtBoundary(t *testing.T) {
	base := decimal.NewFromInt(100)
	assert.True(t, CalculateBlockReward(base, HalvingPeriod-1).Equal(base))
	assert.True(t, CalculateBlockReward(base, HalvingPeriod).Equal(decimal.NewFromInt(50)))
	assert.True(t, CalculateBlockReward(base, HalvingPeriod*2).Equal(decimal.NewFromInt(25)))
}

func TestSearchRespectsMaxAttempts(t *testing.T) {
	eng, state := newTestEngine(t, ledger.Config{Difficulty: 64, MiningReward: decimal.NewFromInt(100), TransactionFee: decimal.Zero})
	head := state.Head()
	block := chain.NewBlock(head.Index+1, head.Hash)
	require.NoError(t, block.AddTransaction(chain.NewCoinbase("alice", decimal.NewFromInt(100))))

	_, err := eng.search(context.Background(), block, 64, 50)
	assert.Error(t, err)
}

func TestMedianOf(t *testing.T) {
	assert.Equal(t, int64(5), medianOf([]int64{5}))
	assert.Equal(t, int64(5), medianOf([]int64{1, 5, 9}))
	assert.Equal(t, int64(6), medianOf([]int64{9, 1, 5, 7})) // (5+7)/2
}
