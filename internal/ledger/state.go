// Package ledger owns the process-wide chain, balances, stakes, contract
// registry, and pending-transaction queue. Balances and stakes are flat
// address-keyed maps rather than a UTXO set.
package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
)

// GenesisAddress is the sentinel address credited by the genesis coinbase.
const GenesisAddress = "GENESIS"

// Config holds the scalar ledger parameters.
type Config struct {
	Difficulty     int
	MiningReward   decimal.Decimal
	TransactionFee decimal.Decimal
}

// DefaultConfig returns difficulty 4, mining_reward 100, and a small flat
// per-transaction fee minted to the miner on top of the block reward.
func DefaultConfig() Config {
	return Config{
		Difficulty:     4,
		MiningReward:   decimal.NewFromInt(100),
		TransactionFee: decimal.NewFromFloat(0.01),
	}
}

// State is the mutex-protected ledger state. Chain and balances share
// one reader/writer lock; the pending queue has its own lock and
// condition variable.
type State struct {
	mu sync.RWMutex

	chain           []*chain.Block
	balances        map[string]decimal.Decimal
	stakes          map[string]decimal.Decimal
	contractCode    map[string]string
	appliedTxHashes map[string]struct{}
	burned          decimal.Decimal
	cfg             Config

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     []*chain.Transaction
}

// NewGenesis builds a fresh ledger with a single genesis block at index 0,
// previous_hash "0", funding genesisAddress with genesisAmount via a
// coinbase transaction.
func NewGenesis(cfg Config, genesisAddress string, genesisAmount decimal.Decimal) *State {
	s := &State{
		balances:        make(map[string]decimal.Decimal),
		stakes:          make(map[string]decimal.Decimal),
		contractCode:    make(map[string]string),
		appliedTxHashes: make(map[string]struct{}),
		burned:          decimal.Zero,
		cfg:             cfg,
	}
	s.pendingCond = sync.NewCond(&s.pendingMu)

	genesis := chain.NewBlock(0, chain.GenesisPreviousHash)
	coinbase := chain.NewCoinbase(genesisAddress, genesisAmount)
	_ = genesis.AddTransaction(coinbase) // coinbase is always structurally valid

	// Genesis is exempt from the PoW target; nonce 0 / difficulty 0 still
	// recomputes MerkleRoot and Hash consistently so WellFormed accepts it.
	if _, err := genesis.Mine(context.Background(), 0, 0, 1, nil); err != nil {
		panic("genesis mining cannot fail: " + err.Error())
	}

	s.balances[genesisAddress] = genesisAmount
	s.appliedTxHashes[coinbase.Hash] = struct{}{}
	s.chain = append(s.chain, genesis)

	return s
}

// RestoreState rebuilds a ledger from persisted components, as loaded by
// internal/persistence on startup. blocks must already form a
// hash-linked chain starting at genesis; this is not re-validated block
// by block (that cost was already paid before the original snapshot), but
// appliedTxHashes is rebuilt by walking every block's transactions so
// AppendBlock's dedup check works identically to a freshly-mined chain.
func RestoreState(cfg Config, blocks []*chain.Block, balances, stakes map[string]decimal.Decimal, contractCode map[string]string, burned decimal.Decimal, pending []*chain.Transaction) *State {
	s := &State{
		chain:           append([]*chain.Block(nil), blocks...),
		balances:        cloneDecimalMap(balances),
		stakes:          cloneDecimalMap(stakes),
		contractCode:    make(map[string]string, len(contractCode)),
		appliedTxHashes: make(map[string]struct{}),
		burned:          burned,
		cfg:             cfg,
		pending:         append([]*chain.Transaction(nil), pending...),
	}
	for k, v := range contractCode {
		s.contractCode[k] = v
	}
	for _, block := range s.chain {
		for _, tx := range block.Transactions {
			s.appliedTxHashes[tx.Hash] = struct{}{}
		}
	}
	s.pendingCond = sync.NewCond(&s.pendingMu)
	return s
}

// Config returns a copy of the ledger's scalar configuration.
func (s *State) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetDifficulty updates the PoW target, as applied by dynamic difficulty
// adjustment in internal/mining.
func (s *State) SetDifficulty(d int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Difficulty = d
}

// Balance returns address's balance, defaulting to zero when unseen.
func (s *State) Balance(address string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[address]
}

// BalancesSnapshot returns a copy of the full balance table. Used by the
// mining engine to speculatively simulate candidate-transaction inclusion
// without holding the ledger lock for the whole assembly process.
func (s *State) BalancesSnapshot() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDecimalMap(s.balances)
}

// StakeOf returns address's locked stake, defaulting to zero when unseen.
func (s *State) StakeOf(address string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stakes[address]
}

// Stakes returns a snapshot of the stake table, used by the PoS validator
// selection in internal/consensus.
func (s *State) Stakes() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.stakes))
	for addr, amt := range s.stakes {
		out[addr] = amt
	}
	return out
}

// ContractCode returns the code deployed at a contract address, if any.
func (s *State) ContractCode(address string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.contractCode[address]
	return code, ok
}

// ContractCodeSnapshot returns a copy of the full contract registry, used
// by internal/persistence.
func (s *State) ContractCodeSnapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.contractCode))
	for k, v := range s.contractCode {
		out[k] = v
	}
	return out
}

// Burned returns the cumulative amount removed from supply by PoRC fee
// burns.
func (s *State) Burned() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.burned
}

// AddBurn records a burn event against the running total. Called by
// internal/porc after each block's fee-burn calculation.
func (s *State) AddBurn(amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burned = s.burned.Add(amount)
}

// MintReward credits address directly, outside of block assembly. PoRC
// rewards are minted at block boundaries after the triggering block has
// already been hashed and appended, so they cannot be inserted as a
// transaction into that block; they are accounted as issuance here
// instead. See DESIGN.md's Open Question entry on PoRC mint accounting.
func (s *State) MintReward(address string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] = s.balances[address].Add(amount)
}

// Head returns the most recently appended block.
func (s *State) Head() *chain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain[len(s.chain)-1]
}

// Height returns the chain length (genesis counts as height 1).
func (s *State) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.chain))
}

// Chain returns a shallow copy of the block slice. Blocks themselves are
// immutable once appended, so sharing pointers is safe.
func (s *State) Chain() []*chain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*chain.Block, len(s.chain))
	copy(out, s.chain)
	return out
}

// BlockAt returns the block at index, if present.
func (s *State) BlockAt(index uint64) (*chain.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.chain)) {
		return nil, false
	}
	return s.chain[index], true
}

// DiscardHead pops the latest block off the chain without reversing its
// balance effects — a deliberately simple recovery policy for a
// background audit thread that detects a broken previous_hash link. This
// is unsafe for an adversarial network — real deployments need fork
// choice, not truncation — but is preserved here as documented behavior.
// Refuses to discard genesis.
func (s *State) DiscardHead() (*chain.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chain) <= 1 {
		return nil, false
	}
	last := s.chain[len(s.chain)-1]
	s.chain = s.chain[:len(s.chain)-1]
	return last, true
}

// ValidateLinkage walks the full chain checking WellFormed against each
// predecessor, returning the index of the first broken link, if any. Used
// by the background audit thread.
func (s *State) ValidateLinkage() (brokenAt int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 1; i < len(s.chain); i++ {
		if err := s.chain[i].WellFormed(s.chain[i-1]); err != nil {
			return i, false
		}
	}
	return 0, true
}

// --- Pending pool: FIFO queue with its own mutex + condition variable. ---

// EnqueuePending pushes tx to the back of the pending queue. It rejects
// structurally invalid transactions and duplicates already applied to the
// chain or already sitting in the queue.
func (s *State) EnqueuePending(tx *chain.Transaction) error {
	if !tx.IsValid() {
		return apperr.ErrInvalidTransaction
	}

	s.mu.RLock()
	_, applied := s.appliedTxHashes[tx.Hash]
	s.mu.RUnlock()
	if applied {
		return apperr.ErrDuplicateTransaction
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, queued := range s.pending {
		if queued.Hash == tx.Hash {
			return apperr.ErrDuplicateTransaction
		}
	}
	s.pending = append(s.pending, tx)
	s.pendingCond.Broadcast()
	return nil
}

// PendingLen reports how many transactions are queued.
func (s *State) PendingLen() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// PendingSnapshot returns a read-only copy of the queue in FIFO order.
func (s *State) PendingSnapshot() []*chain.Transaction {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]*chain.Transaction, len(s.pending))
	copy(out, s.pending)
	return out
}

// RemovePending deletes the transactions named by hashes from the queue,
// preserving the FIFO order of everything that remains. Called by the
// mining engine once it knows which candidates actually made it into a
// successfully mined block.
func (s *State) RemovePending(hashes map[string]struct{}) {
	if len(hashes) == 0 {
		return
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	kept := s.pending[:0:0]
	for _, tx := range s.pending {
		if _, drop := hashes[tx.Hash]; !drop {
			kept = append(kept, tx)
		}
	}
	s.pending = kept
}

// WaitForPending blocks until the pending queue is non-empty.
func (s *State) WaitForPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for len(s.pending) == 0 {
		s.pendingCond.Wait()
	}
}

// --- Block application: validation + state machine. ---

// AppendBlock validates block against the current head and ledger rules,
// then applies its transactions atomically. On success it is appended to
// the chain and its transaction hashes are marked applied (dedup).
//
// Validation order: linkage, Merkle root and hash recomputation (all via
// Block.WellFormed), PoW target (skipped for PoS-attested blocks), then
// per-transaction dedup, validity and running-balance non-negativity.
func (s *State) AppendBlock(block *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.chain[len(s.chain)-1]
	if err := block.WellFormed(head); err != nil {
		return err
	}

	if block.Validator == "" {
		if !block.MeetsDifficulty(s.cfg.Difficulty) {
			return apperr.BlockRejected(apperr.ReasonPoWFailed)
		}
	}

	seen := make(map[string]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		if _, dup := s.appliedTxHashes[tx.Hash]; dup {
			return apperr.BlockRejected(apperr.ReasonInvalidTxInBlock)
		}
		if _, dup := seen[tx.Hash]; dup {
			return apperr.BlockRejected(apperr.ReasonInvalidTxInBlock)
		}
		seen[tx.Hash] = struct{}{}
	}

	trialBalances := cloneDecimalMap(s.balances)
	trialCode := make(map[string]string, len(s.contractCode))
	for k, v := range s.contractCode {
		trialCode[k] = v
	}

	for _, tx := range block.Transactions {
		if err := applyTransaction(trialBalances, trialCode, tx); err != nil {
			return apperr.BlockRejected(apperr.ReasonInvalidTxInBlock)
		}
	}

	s.balances = trialBalances
	s.contractCode = trialCode
	s.chain = append(s.chain, block)
	for _, tx := range block.Transactions {
		s.appliedTxHashes[tx.Hash] = struct{}{}
	}
	return nil
}

// applyTransaction mutates balances/contractCode in place for one of the
// four transaction cases. AppendBlock runs it against trial copies of the
// balance and contract maps and commits them only if every transaction
// applies; block assembly in internal/mining does its own simulation.
func applyTransaction(balances map[string]decimal.Decimal, contractCode map[string]string, tx *chain.Transaction) error {
	if !tx.IsValid() {
		return apperr.ErrInvalidTransaction
	}

	switch {
	case tx.Sender == chain.Coinbase:
		balances[tx.Recipient] = balances[tx.Recipient].Add(tx.Amount)
		return nil

	case tx.Recipient == chain.Contract && tx.ContractCode != "":
		addr := ContractAddress(tx.Hash)
		contractCode[addr] = tx.ContractCode
		return nil

	default: // regular transfer, offline or not: identical balance movement.
		if balances[tx.Sender].LessThan(tx.Amount) {
			return apperr.ErrInsufficientFunds
		}
		balances[tx.Sender] = balances[tx.Sender].Sub(tx.Amount)
		balances[tx.Recipient] = balances[tx.Recipient].Add(tx.Amount)
		return nil
	}
}

// ContractAddress derives the deployment address from a deploying
// transaction's hash: "CONTRACT-" ++ first 10 hex chars.
func ContractAddress(txHash string) string {
	n := 10
	if len(txHash) < n {
		n = len(txHash)
	}
	return "CONTRACT-" + txHash[:n]
}

// Stake moves amount from address's balance into its stake. Requires
// balance[address] >= amount.
func (s *State) Stake(address string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[address].LessThan(amount) {
		return apperr.ErrInsufficientFunds
	}
	s.balances[address] = s.balances[address].Sub(amount)
	s.stakes[address] = s.stakes[address].Add(amount)
	return nil
}

// Unstake reverses Stake, returning amount to the address's balance.
func (s *State) Unstake(address string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stakes[address].LessThan(amount) {
		return apperr.ErrNotAValidator
	}
	s.stakes[address] = s.stakes[address].Sub(amount)
	s.balances[address] = s.balances[address].Add(amount)
	return nil
}

// SelectValidator implements a deterministic tie-break: argmax(stake),
// ties broken by lexicographically smallest address. It returns
// ("", false) when no address holds a positive stake.
func (s *State) SelectValidator() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]string, 0, len(s.stakes))
	for addr, amt := range s.stakes {
		if amt.IsPositive() {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return "", false
	}
	sort.Strings(addrs)

	best := addrs[0]
	for _, addr := range addrs[1:] {
		if s.stakes[addr].GreaterThan(s.stakes[best]) {
			best = addr
		}
	}
	return best, true
}

func cloneDecimalMap(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
