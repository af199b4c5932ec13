// Package mining implements the Proof-of-Work Mining Engine: synchronous
// block assembly, a multi-worker nonce search, a per-sender rate
// limiter, dynamic difficulty adjustment, and the halving reward
// schedule.
package mining

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
	"github.com/nilotic/ledger/internal/hashutil"
	"github.com/nilotic/ledger/internal/ledger"
)

// Tunables governing block assembly, difficulty, and rate limiting.
const (
	MaxTransactionsPerBlock  = 10
	HalvingPeriod            = 210_000
	DifficultyAdjustBlocks   = 2016
	TargetBlockTime          = 600 * time.Second
	MinDifficulty            = 1
	MaxDifficulty            = 32
	MaxRequestsPerMinute     = 100
	rateLimitWindow          = time.Minute
)

// LedgerWrite is the capability surface the Mining Engine needs from the
// Ledger State. Depending on this interface instead of *ledger.State
// keeps the mining/ledger packages acyclic and lets tests supply a fake.
type LedgerWrite interface {
	Head() *chain.Block
	Height() uint64
	Config() ledger.Config
	SetDifficulty(int)
	BalancesSnapshot() map[string]decimal.Decimal
	EnqueuePending(tx *chain.Transaction) error
	PendingSnapshot() []*chain.Transaction
	RemovePending(hashes map[string]struct{})
	AppendBlock(block *chain.Block) error
}

// BlockTimer reports the timestamp of the block at a given index, used for
// the dynamic-difficulty median calculation.
type BlockTimer interface {
	BlockAt(index uint64) (*chain.Block, bool)
}

// Engine runs the Mining Engine. One Engine exists per node, owned
// exclusively by the orchestrator.
type Engine struct {
	ledger  LedgerWrite
	timer   BlockTimer
	log     *logrus.Entry
	threads int

	running  atomic.Bool
	minerMu  sync.Mutex // serializes mine_block: "only one block appended at a time"
	stopBg   chan struct{}

	rateMu    sync.Mutex
	rateState map[string]*rateWindow

	onBlockMined func(*chain.Block)
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

// New constructs a Mining Engine with threads mining workers.
func New(lw LedgerWrite, timer BlockTimer, log *logrus.Entry, threads int) *Engine {
	if threads < 1 {
		threads = 1
	}
	return &Engine{
		ledger:    lw,
		timer:     timer,
		log:       log,
		threads:   threads,
		rateState: make(map[string]*rateWindow),
	}
}

// OnBlockMined registers a callback invoked after every block this engine
// successfully appends. The orchestrator uses it to notify the PoRC
// Engine without the Mining Engine holding a back-reference to it.
func (e *Engine) OnBlockMined(fn func(*chain.Block)) {
	e.onBlockMined = fn
}

// Start begins a background loop that repeatedly mines blocks for
// minerAddress whenever the pending pool is non-empty. Idempotent.
func (e *Engine) Start(minerAddress string) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.stopBg = make(chan struct{})
	go e.backgroundLoop(minerAddress, e.stopBg)
}

// Stop halts the background mining loop. Idempotent.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopBg)
}

func (e *Engine) backgroundLoop(minerAddress string, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if len(e.ledger.PendingSnapshot()) == 0 {
				continue
			}
			if _, err := e.MineBlock(context.Background(), minerAddress, 0); err != nil {
				e.log.WithError(err).Debug("background mine attempt did not produce a block")
			}
		}
	}
}

// AddTransaction validates and rate-limits tx, and rejects it when the
// sender's current balance does not cover its amount, before enqueuing it.
func (e *Engine) AddTransaction(tx *chain.Transaction) error {
	if !tx.IsValid() {
		return apperr.ErrInvalidTransaction
	}
	if !e.allow(tx.Sender) {
		return apperr.ErrRateLimited
	}
	if tx.Sender != chain.Coinbase && e.ledger.BalancesSnapshot()[tx.Sender].LessThan(tx.Amount) {
		return apperr.ErrInsufficientFunds
	}
	return e.ledger.EnqueuePending(tx)
}

// allow enforces up to MaxRequestsPerMinute submissions per sender in a
// fixed 60s window that opens with the sender's first submission and
// resets once 60s have passed since it opened.
func (e *Engine) allow(sender string) bool {
	e.rateMu.Lock()
	defer e.rateMu.Unlock()

	now := time.Now()
	w, ok := e.rateState[sender]
	if !ok || now.Sub(w.windowStart) >= rateLimitWindow {
		e.rateState[sender] = &rateWindow{windowStart: now, count: 1}
		return true
	}
	if w.count >= MaxRequestsPerMinute {
		return false
	}
	w.count++
	return true
}

// MineBlock synchronously produces a block against the current head,
// including up to MaxTransactionsPerBlock pending transactions and a
// coinbase paying the block reward plus summed fees. maxAttempts == 0
// means unbounded.
func (e *Engine) MineBlock(ctx context.Context, minerAddress string, maxAttempts uint64) (*chain.Block, error) {
	e.minerMu.Lock()
	defer e.minerMu.Unlock()

	head := e.ledger.Head()
	cfg := e.ledger.Config()

	block := chain.NewBlock(head.Index+1, head.Hash)

	included, feeSum := e.selectPending(cfg.TransactionFee)

	reward := CalculateBlockReward(cfg.MiningReward, head.Index+1)
	coinbaseAmount := reward.Add(feeSum)
	if err := block.AddTransaction(chain.NewCoinbase(minerAddress, coinbaseAmount)); err != nil {
		return nil, err
	}
	for _, tx := range included {
		if err := block.AddTransaction(tx); err != nil {
			return nil, err
		}
	}

	winner, err := e.search(ctx, block, cfg.Difficulty, maxAttempts)
	if err != nil {
		return nil, err
	}

	if err := e.ledger.AppendBlock(winner); err != nil {
		return nil, err
	}

	includedHashes := make(map[string]struct{}, len(included))
	for _, tx := range included {
		includedHashes[tx.Hash] = struct{}{}
	}
	e.ledger.RemovePending(includedHashes)

	if e.onBlockMined != nil {
		e.onBlockMined(winner)
	}
	e.maybeAdjustDifficulty(cfg)

	return winner, nil
}

// selectPending walks the pending queue in FIFO order, simulating balance
// effects so that a transaction whose sender has been spent dry earlier in
// the same candidate set is skipped rather than included. Skipped
// transactions remain in the queue, since they may be valid again in a
// later block.
func (e *Engine) selectPending(fee decimal.Decimal) (included []*chain.Transaction, feeSum decimal.Decimal) {
	trialBalances := e.ledger.BalancesSnapshot()
	feeSum = decimal.Zero

	for _, tx := range e.ledger.PendingSnapshot() {
		if len(included) >= MaxTransactionsPerBlock {
			break
		}
		if !tx.IsValid() {
			continue
		}
		if tx.Recipient == chain.Contract && tx.ContractCode != "" {
			included = append(included, tx)
			feeSum = feeSum.Add(fee)
			continue
		}
		if trialBalances[tx.Sender].LessThan(tx.Amount) {
			continue
		}
		trialBalances[tx.Sender] = trialBalances[tx.Sender].Sub(tx.Amount)
		trialBalances[tx.Recipient] = trialBalances[tx.Recipient].Add(tx.Amount)
		included = append(included, tx)
		feeSum = feeSum.Add(fee)
	}
	return included, feeSum
}

// search runs a multi-worker nonce partition: each worker mines an
// independent clone of tmpl over a disjoint residue
// class of the nonce space; the first to satisfy difficulty signals the
// rest to stop via a shared atomic flag.
func (e *Engine) search(ctx context.Context, tmpl *chain.Block, difficulty int, maxAttempts uint64) (*chain.Block, error) {
	workers := e.threads
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var shouldStop atomic.Bool
	var attempts atomic.Uint64
	winnerCh := make(chan *chain.Block, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()
			clone := tmpl.Clone()
			clone.MerkleRoot = clone.RecomputeMerkleRoot()
			for nonce := start; ; nonce += uint64(workers) {
				if shouldStop.Load() {
					return
				}
				select {
				case <-searchCtx.Done():
					return
				default:
				}
				if maxAttempts > 0 && attempts.Add(1) > maxAttempts {
					shouldStop.Store(true)
					return
				}
				clone.Nonce = nonce
				h := clone.RecomputeHash()
				if hashutil.HasLeadingZeros(h, difficulty) {
					clone.Hash = h
					if shouldStop.CompareAndSwap(false, true) {
						winnerCh <- clone
					}
					return
				}
			}
		}(uint64(w))
	}

	wg.Wait()
	close(winnerCh)

	winner, ok := <-winnerCh
	if !ok {
		return nil, apperr.ErrSearchFailed
	}
	return winner, nil
}

// CalculateBlockReward halves base every HalvingPeriod blocks (floor
// division).
func CalculateBlockReward(base decimal.Decimal, height uint64) decimal.Decimal {
	halvings := height / HalvingPeriod
	if halvings == 0 {
		return base
	}
	divisor := decimal.NewFromInt(2).Pow(decimal.NewFromInt(int64(halvings)))
	return base.DivRound(divisor, 8)
}

// maybeAdjustDifficulty implements dynamic difficulty adjustment: every
// DifficultyAdjustBlocks blocks, compare the median observed block time
// over the window to TargetBlockTime and nudge difficulty by at most 1,
// clamped to [MinDifficulty, MaxDifficulty].
func (e *Engine) maybeAdjustDifficulty(cfg ledger.Config) {
	height := e.ledger.Height()
	if height == 0 || height%DifficultyAdjustBlocks != 0 {
		return
	}

	headIndex := height - 1
	var windowStart uint64
	if headIndex >= DifficultyAdjustBlocks {
		windowStart = headIndex - DifficultyAdjustBlocks
	}

	times := make([]int64, 0, DifficultyAdjustBlocks)
	for i := windowStart; i < headIndex; i++ {
		curr, ok := e.timer.BlockAt(i + 1)
		if !ok {
			return
		}
		prev, ok := e.timer.BlockAt(i)
		if !ok {
			return
		}
		times = append(times, curr.Timestamp-prev.Timestamp)
	}
	if len(times) == 0 {
		return
	}

	median := medianOf(times)
	actual := time.Duration(median) * time.Second
	target := TargetBlockTime

	next := cfg.Difficulty
	switch {
	case actual < target/2:
		next++
	case actual > target*2:
		next--
	}
	if next < MinDifficulty {
		next = MinDifficulty
	}
	if next > MaxDifficulty {
		next = MaxDifficulty
	}
	if next != cfg.Difficulty {
		e.log.WithFields(logrus.Fields{"from": cfg.Difficulty, "to": next}).Info("adjusted PoW difficulty")
		e.ledger.SetDifficulty(next)
	}
}

func medianOf(values []int64) int64 {
	sorted := append([]int64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
