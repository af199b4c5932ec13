package porc

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilotic/ledger/internal/chain"
)

type fakeLedger struct {
	balances map[string]decimal.Decimal
	minted   map[string]decimal.Decimal
	burned   decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]decimal.Decimal), minted: make(map[string]decimal.Decimal)}
}

func (f *fakeLedger) Balance(address string) decimal.Decimal { return f.balances[address] }
func (f *fakeLedger) MintReward(address string, amount decimal.Decimal) {
	f.minted[address] = f.minted[address].Add(amount)
}
func (f *fakeLedger) AddBurn(amount decimal.Decimal) { f.burned = f.burned.Add(amount) }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestEnableRejectsBelowMinBalance(t *testing.T) {
	l := newFakeLedger()
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))
	_, err := e.Enable("alice", decimal.Zero)
	assert.Error(t, err)
}

func TestEnableRejectsWithoutActivity(t *testing.T) {
	l := newFakeLedger()
	l.balances["alice"] = decimal.NewFromInt(10)
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))
	_, err := e.Enable("alice", decimal.Zero)
	assert.Error(t, err) // no recorded activity yet
}

func TestEnableSucceedsAndMarksEarlyAdopter(t *testing.T) {
	l := newFakeLedger()
	l.balances["alice"] = decimal.NewFromInt(10)
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))
	e.RecordActivity("alice", hashutilNow())

	w, err := e.Enable("alice", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, w.Enabled)
	assert.True(t, w.IsEarlyAdopter)
	assert.True(t, w.BandwidthLimitMBPerDay.Equal(decimal.NewFromInt(defaultBandwidth)))
}

func TestEnableAcceptsExplicitBandwidthLimit(t *testing.T) {
	l := newFakeLedger()
	l.balances["alice"] = decimal.NewFromInt(10)
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))
	e.RecordActivity("alice", hashutilNow())

	w, err := e.Enable("alice", decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.True(t, w.BandwidthLimitMBPerDay.Equal(decimal.NewFromInt(50)))
}

func TestRotatePoolsKeepsExactlyOneActivePoolPerWindow(t *testing.T) {
	l := newFakeLedger()
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))

	for i := 0; i < PoolSize+1; i++ {
		addr := "wallet-" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		l.balances[addr] = decimal.NewFromInt(10)
		e.RecordActivity(addr, hashutilNow())
		_, err := e.Enable(addr, decimal.Zero)
		require.NoError(t, err)
	}

	e.RotatePools(10)
	pools := e.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, PoolSize, len(pools[0].Members))
	assert.Equal(t, uint64(10), pools[0].BlockStart)
	assert.Equal(t, uint64(20), pools[0].BlockEnd)

	// The wallet left out of the first rotation's PoolSize-sized slice
	// gets its turn on the next rotation (round-robin offset).
	e.RotatePools(20)
	pools = e.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 1, len(pools[0].Members))
}

func TestGenerateTasksAndSubmitContribution(t *testing.T) {
	l := newFakeLedger()
	l.balances["alice"] = decimal.NewFromInt(10)
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))
	e.RecordActivity("alice", hashutilNow())
	_, err := e.Enable("alice", decimal.Zero)
	require.NoError(t, err)

	e.RotatePools(5)
	tasks := e.GenerateTasks(5)
	require.Len(t, tasks, len(AllTaskTypes))

	var relay *Task
	for _, task := range tasks {
		if task.Type == TaskRelayTx {
			relay = task
		}
	}
	require.NotNil(t, relay)

	contrib := Contribution{
		WalletAddress:       "alice",
		TaskID:              relay.TaskID,
		Timestamp:           1000,
		BlockHeight:         5,
		BandwidthUsedMB:     decimal.NewFromInt(10),
		TransactionsRelayed: 20,
		UptimeSeconds:       600,
	}
	contrib.ProofHash = canonicalProofHash(contrib)
	contrib.Signature = "sig"

	require.NoError(t, e.SubmitContribution(contrib))

	w, ok := e.Wallet("alice")
	require.True(t, ok)
	// 10 MB * 1 + floor(20/10)*1 = 12
	assert.True(t, w.TotalResourcePoints.Equal(decimal.NewFromInt(12)))
}

func TestSubmitContributionRejectsBadProof(t *testing.T) {
	l := newFakeLedger()
	l.balances["alice"] = decimal.NewFromInt(10)
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))
	e.RecordActivity("alice", hashutilNow())
	_, err := e.Enable("alice", decimal.Zero)
	require.NoError(t, err)
	e.RotatePools(5)
	tasks := e.GenerateTasks(5)

	bad := Contribution{WalletAddress: "alice", TaskID: tasks[0].TaskID, ProofHash: "wrong", Signature: "sig"}
	assert.Error(t, e.SubmitContribution(bad))
}

func TestDistributeRewardsAppliesEarlyAdopterBonusWithinCap(t *testing.T) {
	l := newFakeLedger()
	l.balances["alice"] = decimal.NewFromInt(10)
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))
	e.RecordActivity("alice", hashutilNow())
	_, err := e.Enable("alice", decimal.NewFromInt(200000))
	require.NoError(t, err)
	e.RotatePools(5)
	tasks := e.GenerateTasks(5)

	contrib := Contribution{
		WalletAddress:       "alice",
		TaskID:              tasks[0].TaskID,
		Timestamp:           1000,
		BlockHeight:         5,
		BandwidthUsedMB:     decimal.NewFromInt(100000),
		TransactionsRelayed: 0,
	}
	contrib.ProofHash = canonicalProofHash(contrib)
	contrib.Signature = "sig"
	require.NoError(t, e.SubmitContribution(contrib))

	e.DistributeRewards(5)
	// Sole contributor takes the whole block pool: 500/36000 rounded to 12
	// places = 0.013888888889, times the 1.5 early-adopter bonus.
	assert.True(t, l.minted["alice"].Equal(decimal.New(208333333335, -13)))
	assert.True(t, l.minted["alice"].LessThanOrEqual(MaxRewardPerBlock))
}

func TestBurnFeesAccountsNonCoinbaseOnly(t *testing.T) {
	l := newFakeLedger()
	e := New(l, l, testLog(), decimal.NewFromFloat(0.01))

	block := chain.NewBlock(1, "prev")
	require.NoError(t, block.AddTransaction(chain.NewCoinbase("miner", decimal.NewFromInt(100))))
	tx := chain.NewTransaction("alice", "bob", decimal.NewFromInt(1), false, "", "")
	tx.Sign("k")
	require.NoError(t, block.AddTransaction(tx))

	e.BurnFees(block)
	assert.True(t, l.burned.Equal(decimal.NewFromFloat(0.005))) // 0.01 fee * 0.5 burn rate
}

func hashutilNow() int64 { return 2000000000 }
