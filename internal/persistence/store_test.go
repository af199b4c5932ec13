package persistence

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilotic/ledger/internal/ledger"
	"github.com/nilotic/ledger/internal/porc"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestSnapshotAndRestoreRoundTripsChainAndBalances(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer store.Close()

	state := ledger.NewGenesis(ledger.DefaultConfig(), ledger.GenesisAddress, decimal.NewFromInt(1000))
	engine := porc.New(state, state, testLog(), state.Config().TransactionFee)

	require.NoError(t, store.Snapshot(state, engine))

	has, err := store.HasChain()
	require.NoError(t, err)
	assert.True(t, has)

	snap, err := store.Restore()
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 1)
	assert.True(t, snap.Balances[ledger.GenesisAddress].Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 4, snap.Config.Difficulty)

	restored := ledger.RestoreState(snap.Config, snap.Blocks, snap.Balances, snap.Stakes, snap.Contracts, snap.Burned, snap.Pending)
	assert.Equal(t, uint64(1), restored.Height())
	assert.True(t, restored.Balance(ledger.GenesisAddress).Equal(decimal.NewFromInt(1000)))
}

func TestEmptyStoreReportsNoChain(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer store.Close()

	has, err := store.HasChain()
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSnapshotAppendsContributionsWithoutDuplicating(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer store.Close()

	state := ledger.NewGenesis(ledger.DefaultConfig(), ledger.GenesisAddress, decimal.NewFromInt(1000))
	engine := porc.Restore(state, state, testLog(), state.Config().TransactionFee, porc.Snapshot{
		Contributions: []porc.Contribution{{WalletAddress: "alice", TaskID: "task-1"}},
	})

	require.NoError(t, store.Snapshot(state, engine))
	require.NoError(t, store.Snapshot(state, engine))

	snap, err := store.Restore()
	require.NoError(t, err)
	assert.Len(t, snap.PoRC.Contributions, 1)
}
