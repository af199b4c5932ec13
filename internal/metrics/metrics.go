// Package metrics exposes the counters and gauges the background metrics
// thread samples on a fixed interval, via the standard Prometheus client
// so they can be scraped from GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups every metric the node publishes. A single instance is
// owned by the orchestrator and threaded into each subsystem.
type Registry struct {
	ChainHeight      prometheus.Gauge
	Difficulty       prometheus.Gauge
	PendingTxCount   prometheus.Gauge
	BlocksMined      prometheus.Counter
	BlocksRejected   *prometheus.CounterVec
	TxSubmitted      prometheus.Counter
	TxRejected       *prometheus.CounterVec
	PoRCRewardsMinted prometheus.Counter
	PoRCBurned       prometheus.Counter
	PeerCount        prometheus.Gauge
	registerer       prometheus.Registerer
}

// NewRegistry builds and registers the metric set against reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global default
// registry; production wiring uses prometheus.DefaultRegisterer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nilotic", Name: "chain_height", Help: "Current chain height.",
		}),
		Difficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nilotic", Name: "difficulty", Help: "Current PoW difficulty (leading zero hex chars).",
		}),
		PendingTxCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nilotic", Name: "pending_transactions", Help: "Transactions waiting in the pending pool.",
		}),
		BlocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nilotic", Name: "blocks_mined_total", Help: "Blocks appended to the chain: mined, attested, or accepted from peers.",
		}),
		BlocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nilotic", Name: "blocks_rejected_total", Help: "Blocks rejected during validation, by reason.",
		}, []string{"reason"}),
		TxSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nilotic", Name: "transactions_submitted_total", Help: "Transactions accepted into the pending pool.",
		}),
		TxRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nilotic", Name: "transactions_rejected_total", Help: "Transactions rejected at submission, by kind.",
		}, []string{"kind"}),
		PoRCRewardsMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nilotic", Name: "porc_rewards_minted_total", Help: "Count of PoRC reward-distribution passes run by the reward timer.",
		}),
		PoRCBurned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nilotic", Name: "porc_fees_burned_total", Help: "Running count of fee-burn events.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nilotic", Name: "peer_count", Help: "Number of connected peers.",
		}),
		registerer: reg,
	}

	for _, c := range []prometheus.Collector{
		r.ChainHeight, r.Difficulty, r.PendingTxCount, r.BlocksMined, r.BlocksRejected,
		r.TxSubmitted, r.TxRejected, r.PoRCRewardsMinted, r.PoRCBurned, r.PeerCount,
	} {
		reg.MustRegister(c)
	}

	return r
}

// Sampler is a fixed-interval background thread: it calls sample() on
// each tick until Stop is called.
type Sampler struct {
	interval time.Duration
	sample   func()
	stop     chan struct{}
}

// NewSampler wires a sampling function to run every interval.
func NewSampler(interval time.Duration, sample func()) *Sampler {
	return &Sampler{interval: interval, sample: sample, stop: make(chan struct{})}
}

// Run blocks, sampling on each tick, until Stop is called.
func (s *Sampler) Run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

// Stop signals the sampler loop to exit; Run returns without waiting for
// another tick.
func (s *Sampler) Stop() {
	close(s.stop)
}
