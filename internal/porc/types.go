// Package porc implements the Proof-of-Resource-Contribution subsystem:
// wallet enrollment, rotating pools, task assignment, contribution proof
// verification, reward distribution, and fee burn for wallets that relay
// bandwidth on behalf of the network.
package porc

import "github.com/shopspring/decimal"

// TaskType enumerates the four relay-work categories.
type TaskType string

const (
	TaskRelayTx         TaskType = "relay-tx"
	TaskPropagateBlock  TaskType = "propagate-block"
	TaskCacheData       TaskType = "cache-data"
	TaskVerifyPeers     TaskType = "verify-peers"
)

// AllTaskTypes lists every task category generated per pool member per
// block height.
var AllTaskTypes = []TaskType{TaskRelayTx, TaskPropagateBlock, TaskCacheData, TaskVerifyPeers}

// Wallet is the PoRC enrollment status and running totals for one address.
type Wallet struct {
	Address                string
	Enabled                bool
	TotalResourcePoints     decimal.Decimal
	TotalRewards            decimal.Decimal
	LastContributionTS      int64
	ReputationScore         decimal.Decimal
	BandwidthLimitMBPerDay  decimal.Decimal
	IsEarlyAdopter          bool
	PoolIndex               int

	dailyWindowStart int64
	dailyBandwidth   decimal.Decimal
}

// Pool is a rotating group of up to PoolSize addresses active over
// [BlockStart, BlockEnd).
type Pool struct {
	Index          int
	Members        map[string]struct{}
	ResourcePoints map[string]decimal.Decimal
	BlockStart     uint64
	BlockEnd       uint64
}

// Active reports whether height falls within the pool's activation
// window.
func (p *Pool) Active(height uint64) bool {
	return height >= p.BlockStart && height < p.BlockEnd
}

// Task is a unit of relay work, generated by the engine and assigned to a
// pool member.
type Task struct {
	Type                  TaskType
	TaskID                string
	AssignedWallet        string
	BlockHeight           uint64
	Payload               string
	EstimatedBandwidthMB  decimal.Decimal
	EstimatedTxCount      int
	Acknowledged          bool
}

// Contribution is the proof of relay work submitted by a wallet.
type Contribution struct {
	WalletAddress       string
	TaskID              string
	Timestamp           int64
	BlockHeight         uint64
	BandwidthUsedMB     decimal.Decimal
	TransactionsRelayed int64
	UptimeSeconds       int64
	ProofHash           string
	Signature           string
}
