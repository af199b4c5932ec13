// Package node owns the full running system: the Ledger State, Mining
// Engine, PoS Validator, PoRC Engine, and peer Hub, plus their background
// threads (validation/audit, metrics sampler, PoRC task-assignment/
// reward-distribution/pool-rotation, periodic snapshot, Hub message
// loop). Inbound peer connections arrive through the HTTP server that
// cmd/nilotic-node runs, via the Hub's /ws handler. It wires block-append
// events into PoRC via a callback rather than a back-reference, and is
// the only package that holds concrete references to every engine at
// once.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
	"github.com/nilotic/ledger/internal/config"
	"github.com/nilotic/ledger/internal/consensus"
	"github.com/nilotic/ledger/internal/ledger"
	"github.com/nilotic/ledger/internal/metrics"
	"github.com/nilotic/ledger/internal/mining"
	"github.com/nilotic/ledger/internal/netmsg"
	"github.com/nilotic/ledger/internal/nlog"
	"github.com/nilotic/ledger/internal/persistence"
	"github.com/nilotic/ledger/internal/porc"
)

const (
	auditInterval        = 30 * time.Second
	metricsInterval       = 10 * time.Second
	porcTaskInterval      = 15 * time.Second
	porcRewardInterval    = 10 * time.Second
	porcRotationInterval  = 20 * time.Second
	handshakeTimeout      = 5 * time.Second
	pingInterval          = 20 * time.Second
	snapshotInterval      = time.Minute
)

// Node orchestrates every engine that makes up a running ledger node.
type Node struct {
	log     *logrus.Entry
	cfg     config.Config
	reg     *metrics.Registry
	store   *persistence.Store

	State     *ledger.State
	Mining    *mining.Engine
	Validator *consensus.Validator
	PoRC      *porc.Engine
	Hub       *netmsg.Hub

	sampler *metrics.Sampler

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Node, restoring prior state from store if present or
// initializing a fresh genesis otherwise.
func New(cfg config.Config, log *logrus.Logger, store *persistence.Store, reg *metrics.Registry) (*Node, error) {
	nlogEntry := nlog.Component(log, "node")

	var (
		state     *ledger.State
		porcEngine *porc.Engine
	)

	has, err := store.HasChain()
	if err != nil {
		return nil, err
	}

	if has {
		snap, err := store.Restore()
		if err != nil {
			return nil, err
		}
		state = ledger.RestoreState(snap.Config, snap.Blocks, snap.Balances, snap.Stakes, snap.Contracts, snap.Burned, snap.Pending)
		porcEngine = porc.Restore(state, state, nlog.Component(log, "porc"), snap.Config.TransactionFee, snap.PoRC)
	} else {
		defaultCfg := ledger.DefaultConfig()
		state = ledger.NewGenesis(defaultCfg, ledger.GenesisAddress, decimal.NewFromInt(1000))
		porcEngine = porc.New(state, state, nlog.Component(log, "porc"), defaultCfg.TransactionFee)
	}

	miningEngine := mining.New(state, state, nlog.Component(log, "mining"), cfg.MiningThreads)
	validator := consensus.New(state)
	hub := netmsg.NewHub(netmsg.NewNodeID(), nlog.Component(log, "netmsg"), handshakeTimeout, pingInterval)

	n := &Node{
		log:       nlogEntry,
		cfg:       cfg,
		reg:       reg,
		store:     store,
		State:     state,
		Mining:    miningEngine,
		Validator: validator,
		PoRC:      porcEngine,
		Hub:       hub,
		stopCh:    make(chan struct{}),
	}

	n.sampler = metrics.NewSampler(metricsInterval, n.sampleMetrics)

	miningEngine.OnBlockMined(n.onBlockAppended)
	hub.OnMessage(n.handlePeerMessage)

	return n, nil
}

// Start launches every background thread: the validation/audit thread,
// the metrics sampler, the three PoRC timers, the snapshot timer, the Hub's central
// message-processing loop, and — if minerAddress is set — the mining
// engine's own background loop.
func (n *Node) Start(minerAddress string) {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.auditLoop() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.sampler.Run() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.porcTaskLoop() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.porcRewardLoop() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.porcRotationLoop() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.snapshotLoop() }()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.Hub.Run() }()

	if minerAddress != "" {
		n.Mining.Start(minerAddress)
	}
}

// Stop signals every background thread to exit, stops the mining engine
// and hub, waits for the threads to observe the shutdown flag, and takes
// a final snapshot before returning.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	n.Mining.Stop()
	close(n.stopCh)
	n.sampler.Stop()
	n.Hub.Stop()
	n.wg.Wait()

	return n.Snapshot()
}

// Snapshot persists the current ledger and PoRC state.
func (n *Node) Snapshot() error {
	if err := n.store.Snapshot(n.State, n.PoRC); err != nil {
		return apperr.Wrap(apperr.ErrPersistence, err)
	}
	return nil
}

// onBlockAppended is the single callback wired from the Mining Engine (and
// called directly after a successful PoS attestation) into PoRC and the
// peer broadcast, keeping those engines unaware of each other.
func (n *Node) onBlockAppended(block *chain.Block) {
	n.PoRC.OnBlockAppended(block)
	n.reg.BlocksMined.Inc()
	n.Hub.Broadcast(netmsg.NewBlock, block)
}

// AttestBlock runs the PoS validator path and, on success, routes the
// appended block through the same onBlockAppended hook mining uses.
func (n *Node) AttestBlock(validatorAddress, signature string) (*chain.Block, error) {
	pending := n.State.PendingSnapshot()
	block, err := n.Validator.AttestBlock(validatorAddress, signature, pending)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]struct{}, len(pending))
	for _, tx := range pending {
		hashes[tx.Hash] = struct{}{}
	}
	n.State.RemovePending(hashes)
	n.onBlockAppended(block)
	return block, nil
}

func (n *Node) auditLoop() {
	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if brokenAt, ok := n.State.ValidateLinkage(); !ok {
				n.log.WithField("broken_at", brokenAt).Warn("chain linkage broken, discarding head block")
				if discarded, ok := n.State.DiscardHead(); ok {
					n.reg.BlocksRejected.WithLabelValues("audit_discard").Inc()
					n.log.WithField("index", discarded.Index).Warn("discarded block during audit recovery")
				}
			}
		case <-n.stopCh:
			return
		}
	}
}

// sampleMetrics is the Sampler's tick function: it reads the current
// state of every engine into the Prometheus gauges exposed at /metrics.
func (n *Node) sampleMetrics() {
	n.reg.ChainHeight.Set(float64(n.State.Height()))
	n.reg.Difficulty.Set(float64(n.State.Config().Difficulty))
	n.reg.PendingTxCount.Set(float64(n.State.PendingLen()))
	n.reg.PeerCount.Set(float64(n.Hub.PeerCount()))
}

func (n *Node) porcTaskLoop() {
	ticker := time.NewTicker(porcTaskInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.PoRC.GenerateTasks(n.State.Height())
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) porcRewardLoop() {
	ticker := time.NewTicker(porcRewardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.PoRC.DistributeRewards(n.State.Height())
			n.reg.PoRCRewardsMinted.Inc()
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) porcRotationLoop() {
	ticker := time.NewTicker(porcRotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.PoRC.RotatePools(n.State.Height())
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) snapshotLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.Snapshot(); err != nil {
				n.log.WithError(err).Error("periodic snapshot failed")
			}
		case <-n.stopCh:
			return
		}
	}
}

// handlePeerMessage is the Hub's central dispatch target: it translates
// wire messages into core operations. Only the message kinds this node
// acts on are handled; the rest are accepted and ignored rather than
// treated as errors, since an unknown payload from a peer must never
// crash the node.
func (n *Node) handlePeerMessage(peerID string, msg netmsg.Message) {
	switch msg.Type {
	case netmsg.NewTransaction:
		var tx chain.Transaction
		if err := msg.Decode(&tx); err != nil {
			n.log.WithError(err).WithField("peer", peerID).Warn("bad NEW_TRANSACTION payload")
			return
		}
		if err := n.SubmitTransaction(&tx); err != nil {
			n.log.WithError(err).WithField("peer", peerID).Debug("rejected relayed transaction")
		}
	case netmsg.NewBlock:
		var block chain.Block
		if err := msg.Decode(&block); err != nil {
			n.log.WithError(err).WithField("peer", peerID).Warn("bad NEW_BLOCK payload")
			return
		}
		if err := n.State.AppendBlock(&block); err != nil {
			n.log.WithError(err).WithField("peer", peerID).Debug("rejected relayed block")
			return
		}
		n.onBlockAppended(&block)
	case netmsg.Ping:
		_ = n.Hub.Send(peerID, netmsg.Pong, struct{}{})
	}
}

// MineOnce runs a single synchronous mining attempt, used by the HTTP
// POST /mine endpoint (as opposed to the background mining loop Start
// enables).
func (n *Node) MineOnce(ctx context.Context, minerAddress string) (*chain.Block, error) {
	return n.Mining.MineBlock(ctx, minerAddress, 0)
}

// SubmitTransaction enqueues tx and records the outcome in the metrics
// registry, keeping that bookkeeping out of internal/api's thin handlers.
func (n *Node) SubmitTransaction(tx *chain.Transaction) error {
	if err := n.Mining.AddTransaction(tx); err != nil {
		var ae *apperr.Error
		kind := "unknown"
		if errors.As(err, &ae) {
			kind = ae.Kind
		}
		n.reg.TxRejected.WithLabelValues(kind).Inc()
		return err
	}
	n.reg.TxSubmitted.Inc()
	return nil
}

