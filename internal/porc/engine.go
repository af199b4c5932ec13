package porc

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
	"github.com/nilotic/ledger/internal/hashutil"
)

// Tunables governing eligibility, pool sizing, and reward economics.
var (
	MinBalance         = decimal.NewFromInt(5)
	EarlyAdopterLimit  = 1000
	PoolRotationBlocks = uint64(10)
	PoolSize           = 100
	ResourcePointMB    = decimal.NewFromInt(1)
	ResourcePointTx    = decimal.NewFromInt(1)
	DailyRewardPool    = decimal.NewFromInt(500)
	BlocksPerDay       = decimal.NewFromInt(36000)
	MaxRewardPerBlock  = decimal.NewFromFloat(0.5)
	BurnRate           = decimal.NewFromFloat(0.5)
	EarlyAdopterBonus  = decimal.NewFromFloat(1.5)
)

const (
	MinActivity       = 1
	activityWindow    = 30 * 24 * time.Hour
	defaultBandwidth  = 1024 // MB/day, a generous default cap
	secondsPerDay     = 86400
)

// BalanceReader is the capability the engine needs from the Ledger State
// to check the eligibility gate.
type BalanceReader interface {
	Balance(address string) decimal.Decimal
}

// RewardSink is the capability the engine needs to mint rewards and
// record burns. PoRC mints happen outside block assembly — they are
// minted at block boundaries via direct ledger credit, not by inserting
// a transaction into an already-hashed block. See DESIGN.md's Open
// Question entry on this.
type RewardSink interface {
	MintReward(address string, amount decimal.Decimal)
	AddBurn(amount decimal.Decimal)
}

// Engine runs the PoRC subsystem. It has no back-reference to the Mining
// Engine or the orchestrator; it reacts to blocks exclusively through the
// OnBlockAppended callback the orchestrator registers.
type Engine struct {
	mu sync.Mutex

	balances BalanceReader
	rewards  RewardSink
	log      *logrus.Entry

	wallets       map[string]*Wallet
	pools         []*Pool
	rotationCount int
	tasks         map[string]*Task
	activity      map[string][]int64
	enrolledCount int
	transactionFee decimal.Decimal

	// contributionLog records every verified contribution in submission
	// order, for append-only persistence.
	contributionLog []Contribution
}

// New constructs a PoRC Engine.
func New(balances BalanceReader, rewards RewardSink, log *logrus.Entry, transactionFee decimal.Decimal) *Engine {
	return &Engine{
		balances:       balances,
		rewards:        rewards,
		log:            log,
		wallets:        make(map[string]*Wallet),
		tasks:          make(map[string]*Task),
		activity:       make(map[string][]int64),
		transactionFee: transactionFee,
	}
}

// Enable enrolls address into PoRC, gated by the eligibility rule:
// balance >= MIN_BALANCE and >= MIN_ACTIVITY transactions in the last 30
// days. The first EARLY_ADOPTER_LIMIT enrollees get a permanent 1.5x
// reward multiplier. bandwidthLimitMBPerDay sets the wallet's daily
// bandwidth cap; a zero or negative value falls back to defaultBandwidth.
func (e *Engine) Enable(address string, bandwidthLimitMBPerDay decimal.Decimal) (*Wallet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w, ok := e.wallets[address]; ok && w.Enabled {
		return w, nil
	}

	if e.balances.Balance(address).LessThan(MinBalance) {
		return nil, apperr.ErrPoRCIneligible
	}
	if e.recentActivityCount(address, hashutil.NowUnix()) < MinActivity {
		return nil, apperr.ErrPoRCIneligible
	}

	if !bandwidthLimitMBPerDay.IsPositive() {
		bandwidthLimitMBPerDay = decimal.NewFromInt(defaultBandwidth)
	}

	wallet := &Wallet{
		Address:                address,
		Enabled:                true,
		TotalResourcePoints:    decimal.Zero,
		TotalRewards:           decimal.Zero,
		ReputationScore:        decimal.Zero,
		BandwidthLimitMBPerDay: bandwidthLimitMBPerDay,
		IsEarlyAdopter:         e.enrolledCount < EarlyAdopterLimit,
	}
	e.wallets[address] = wallet
	e.enrolledCount++
	return wallet, nil
}

// Wallet returns a snapshot of a wallet's status, if enrolled.
func (e *Engine) Wallet(address string) (Wallet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.wallets[address]
	if !ok {
		return Wallet{}, false
	}
	return *w, true
}

// Pools returns a shallow snapshot of the current pool set.
func (e *Engine) Pools() []Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pool, len(e.pools))
	for i, p := range e.pools {
		out[i] = *p
	}
	return out
}

// RecordActivity timestamps a transaction-level action by address,
// feeding the MIN_ACTIVITY eligibility gate. Called by the orchestrator
// for every non-coinbase sender in a newly appended block.
func (e *Engine) RecordActivity(address string, ts int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activity[address] = append(e.activity[address], ts)
}

func (e *Engine) recentActivityCount(address string, now int64) int {
	cutoff := now - int64(activityWindow.Seconds())
	count := 0
	for _, ts := range e.activity[address] {
		if ts >= cutoff {
			count++
		}
	}
	return count
}

// --- Pool rotation ---

// RotatePools forms the single pool active for [height, height+
// PoolRotationBlocks). At most one pool is active at any height. When more
// wallets are eligible than PoolSize, membership
// round-robins across successive rotations (offset by rotation count) so
// every eligible wallet eventually gets a turn, rather than a fixed
// subset monopolizing every window.
func (e *Engine) RotatePools(height uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	eligible := make([]string, 0, len(e.wallets))
	for addr, w := range e.wallets {
		if w.Enabled {
			eligible = append(eligible, addr)
		}
	}
	sort.Strings(eligible)

	pool := &Pool{
		Index:          e.rotationCount,
		Members:        make(map[string]struct{}, PoolSize),
		ResourcePoints: make(map[string]decimal.Decimal),
		BlockStart:     height,
		BlockEnd:       height + PoolRotationBlocks,
	}

	if n := len(eligible); n > 0 {
		groups := (n + PoolSize - 1) / PoolSize
		offset := (e.rotationCount % groups) * PoolSize
		end := offset + PoolSize
		if end > n {
			end = n
		}
		for _, addr := range eligible[offset:end] {
			pool.Members[addr] = struct{}{}
			e.wallets[addr].PoolIndex = pool.Index
		}
	}

	e.pools = []*Pool{pool}
	e.rotationCount++
}

func (e *Engine) activePool(height uint64) *Pool {
	for _, p := range e.pools {
		if p.Active(height) {
			return p
		}
	}
	return nil
}

// --- Task generation ---

// GenerateTasks enqueues one task of each of the four types for every
// member of the pool active at height. Task IDs are deterministic per
// (height, wallet, type).
func (e *Engine) GenerateTasks(height uint64) []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool := e.activePool(height)
	if pool == nil {
		return nil
	}

	generated := make([]*Task, 0, len(pool.Members)*len(AllTaskTypes))
	for addr := range pool.Members {
		for _, tt := range AllTaskTypes {
			task := &Task{
				Type:                 tt,
				TaskID:               taskID(height, addr, tt),
				AssignedWallet:       addr,
				BlockHeight:          height,
				EstimatedBandwidthMB: decimal.NewFromFloat(0.5),
				EstimatedTxCount:     10,
			}
			e.tasks[task.TaskID] = task
			generated = append(generated, task)
		}
	}
	return generated
}

func taskID(height uint64, wallet string, tt TaskType) string {
	return hashutil.SHA256Hex(strconv.FormatUint(height, 10), wallet, string(tt))[:24]
}

// --- Contribution verification ---

// SubmitContribution verifies and folds a contribution into the assigned
// wallet's pool totals. It is rejected when the task is unknown or not
// assigned to the wallet, the proof hash doesn't recompute, the signature
// is empty, or the wallet's daily bandwidth cap is exceeded.
func (e *Engine) SubmitContribution(c Contribution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[c.TaskID]
	if !ok || task.AssignedWallet != c.WalletAddress {
		return apperr.ErrPoRCProofInvalid
	}

	wallet, ok := e.wallets[c.WalletAddress]
	if !ok || !wallet.Enabled {
		return apperr.ErrPoRCIneligible
	}

	if c.ProofHash != canonicalProofHash(c) {
		return apperr.ErrPoRCProofInvalid
	}
	if c.Signature == "" {
		return apperr.ErrPoRCProofInvalid
	}

	day := c.Timestamp / secondsPerDay
	if wallet.dailyWindowStart != day {
		wallet.dailyWindowStart = day
		wallet.dailyBandwidth = decimal.Zero
	}
	if wallet.dailyBandwidth.Add(c.BandwidthUsedMB).GreaterThan(wallet.BandwidthLimitMBPerDay) {
		return apperr.ErrPoRCProofInvalid
	}
	wallet.dailyBandwidth = wallet.dailyBandwidth.Add(c.BandwidthUsedMB)

	points := resourcePoints(c)
	wallet.TotalResourcePoints = wallet.TotalResourcePoints.Add(points)
	wallet.LastContributionTS = c.Timestamp

	pool := e.activePool(c.BlockHeight)
	if pool != nil {
		pool.ResourcePoints[c.WalletAddress] = pool.ResourcePoints[c.WalletAddress].Add(points)
	}

	task.Acknowledged = true
	delete(e.tasks, c.TaskID)
	e.contributionLog = append(e.contributionLog, c)
	return nil
}

// canonicalProofHash recomputes the expected proof hash: sha256_hex of
// wallet ++ task_id ++ timestamp ++ block_height ++ bandwidth_used ++
// transactions_relayed ++ uptime_seconds.
func canonicalProofHash(c Contribution) string {
	return hashutil.SHA256Hex(
		c.WalletAddress,
		c.TaskID,
		strconv.FormatInt(c.Timestamp, 10),
		strconv.FormatUint(c.BlockHeight, 10),
		c.BandwidthUsedMB.String(),
		strconv.FormatInt(c.TransactionsRelayed, 10),
		strconv.FormatInt(c.UptimeSeconds, 10),
	)
}

// resourcePoints implements the resource-point scoring formula.
func resourcePoints(c Contribution) decimal.Decimal {
	bandwidthPoints := c.BandwidthUsedMB.Mul(ResourcePointMB)
	txPoints := decimal.NewFromInt(c.TransactionsRelayed / 10).Mul(ResourcePointTx)
	return bandwidthPoints.Add(txPoints)
}

// --- Reward distribution & fee burn ---

// DistributeRewards mints the per-block reward pool to every wallet with
// accumulated points in the active pool, proportional to its share,
// boosted 1.5x for early adopters and capped per wallet. Pool points are
// reset to zero afterward — a contribution's influence on rewards is
// discarded once it has been paid out.
func (e *Engine) DistributeRewards(height uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pool := e.activePool(height)
	if pool == nil || len(pool.ResourcePoints) == 0 {
		return
	}

	total := decimal.Zero
	for _, p := range pool.ResourcePoints {
		total = total.Add(p)
	}
	if !total.IsPositive() {
		return
	}

	blockPool := DailyRewardPool.DivRound(BlocksPerDay, 12)

	for addr, points := range pool.ResourcePoints {
		share := points.Div(total).Mul(blockPool)
		wallet := e.wallets[addr]
		if wallet != nil && wallet.IsEarlyAdopter {
			share = share.Mul(EarlyAdopterBonus)
		}
		if share.GreaterThan(MaxRewardPerBlock) {
			share = MaxRewardPerBlock
		}
		if share.IsZero() {
			continue
		}
		e.rewards.MintReward(addr, share)
		if wallet != nil {
			wallet.TotalRewards = wallet.TotalRewards.Add(share)
		}
	}

	pool.ResourcePoints = make(map[string]decimal.Decimal, len(pool.Members))
}

// BurnFees removes BURN_RATE of the sum of non-coinbase transaction fees
// in block from supply via a dedicated counter, never transferred to any
// address.
func (e *Engine) BurnFees(block *chain.Block) {
	nonCoinbase := 0
	for _, tx := range block.Transactions {
		if tx.Sender != chain.Coinbase {
			nonCoinbase++
		}
	}
	if nonCoinbase == 0 {
		return
	}
	fees := e.transactionFee.Mul(decimal.NewFromInt(int64(nonCoinbase)))
	burn := fees.Mul(BurnRate)
	e.rewards.AddBurn(burn)
}

// OnBlockAppended is the single hook the orchestrator wires from the
// Mining Engine and the PoS validator path into PoRC: it records sender
// activity, burns fees, and (on a pool-rotation boundary) rotates pools,
// then always distributes rewards and generates tasks at the height of
// the block just appended.
func (e *Engine) OnBlockAppended(block *chain.Block) {
	for _, tx := range block.Transactions {
		if tx.Sender != chain.Coinbase {
			e.RecordActivity(tx.Sender, tx.Timestamp)
		}
	}

	e.BurnFees(block)

	height := block.Index
	if height%PoolRotationBlocks == 0 {
		e.RotatePools(height)
	}

	e.DistributeRewards(height)
	e.GenerateTasks(height)
}

// --- Snapshot & restore (internal/persistence) ---

// Snapshot captures everything internal/persistence needs to durably store
// and later reconstruct the PoRC engine's state.
type Snapshot struct {
	Wallets         map[string]Wallet
	Pools           []Pool
	Tasks           map[string]Task
	Activity        map[string][]int64
	RotationCount   int
	EnrolledCount   int
	Contributions   []Contribution
}

// Snapshot returns a deep-enough copy of the engine's state for
// persistence. New contributions appended since the last call are all
// included; callers persisting append-only logs should track the count
// already written and append only the tail.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	wallets := make(map[string]Wallet, len(e.wallets))
	for addr, w := range e.wallets {
		wallets[addr] = *w
	}
	pools := make([]Pool, len(e.pools))
	for i, p := range e.pools {
		pools[i] = *p
	}
	tasks := make(map[string]Task, len(e.tasks))
	for id, t := range e.tasks {
		tasks[id] = *t
	}
	activity := make(map[string][]int64, len(e.activity))
	for addr, ts := range e.activity {
		cp := make([]int64, len(ts))
		copy(cp, ts)
		activity[addr] = cp
	}
	contributions := make([]Contribution, len(e.contributionLog))
	copy(contributions, e.contributionLog)

	return Snapshot{
		Wallets:       wallets,
		Pools:         pools,
		Tasks:         tasks,
		Activity:      activity,
		RotationCount: e.rotationCount,
		EnrolledCount: e.enrolledCount,
		Contributions: contributions,
	}
}

// Restore rebuilds an Engine from a previously captured Snapshot, as used
// by internal/node when it starts up against state loaded by
// internal/persistence.
func Restore(balances BalanceReader, rewards RewardSink, log *logrus.Entry, transactionFee decimal.Decimal, snap Snapshot) *Engine {
	e := New(balances, rewards, log, transactionFee)

	for addr, w := range snap.Wallets {
		wallet := w
		e.wallets[addr] = &wallet
	}
	for _, p := range snap.Pools {
		pool := p
		e.pools = append(e.pools, &pool)
	}
	for id, t := range snap.Tasks {
		task := t
		e.tasks[id] = &task
	}
	for addr, ts := range snap.Activity {
		cp := make([]int64, len(ts))
		copy(cp, ts)
		e.activity[addr] = cp
	}
	e.rotationCount = snap.RotationCount
	e.enrolledCount = snap.EnrolledCount
	e.contributionLog = append(e.contributionLog, snap.Contributions...)

	return e
}
