// Package persistence durably stores and reloads the node's state in a
// single bbolt.DB file under --data-dir: {blocks, balances, pending,
// validators, difficulty, mining_reward} for the chain side,
// {wallet_status, contributions, pools, tasks} for PoRC, with
// contributions append-only. JSON is used per bucket rather than gob,
// since the chain, ledger, and PoRC types here already carry the json
// tags the HTTP surface uses — one codec for both concerns keeps the
// wire format and the snapshot format identical.
package persistence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/nilotic/ledger/internal/apperr"
	"github.com/nilotic/ledger/internal/chain"
	"github.com/nilotic/ledger/internal/ledger"
	"github.com/nilotic/ledger/internal/porc"
)

var buckets = []string{
	"chain", "balances", "stakes", "pending", "contracts",
	"porc_wallets", "porc_pools", "porc_tasks", "porc_contributions", "meta",
}

// Store wraps a single bbolt.DB file holding every persisted bucket.
type Store struct {
	db *bbolt.DB
}

// Open creates (if needed) and opens the bbolt file at path, ensuring
// every bucket this package uses exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistence, fmt.Errorf("open %s: %w", path, err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.ErrPersistence, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (st *Store) Close() error {
	return st.db.Close()
}

// metaDoc holds the chain-side snapshot fields that aren't themselves a
// collection: difficulty and mining_reward live alongside the rest of
// ledger.Config, plus the cumulative burn counter.
type metaDoc struct {
	Difficulty     int             `json:"difficulty"`
	MiningReward   decimal.Decimal `json:"mining_reward"`
	TransactionFee decimal.Decimal `json:"transaction_fee"`
	Burned         decimal.Decimal `json:"burned"`
}

// Snapshot writes the full current state of the ledger and PoRC engine.
// Every bucket except porc_contributions is fully replaced; contributions
// are append-only, so only entries beyond what's already stored are
// written.
func (st *Store) Snapshot(state *ledger.State, engine *porc.Engine) error {
	cfg := state.Config()
	blocks := state.Chain()
	balances := state.BalancesSnapshot()
	stakes := state.Stakes()
	contracts := state.ContractCodeSnapshot()
	pending := state.PendingSnapshot()
	porcSnap := engine.Snapshot()

	return st.db.Update(func(tx *bbolt.Tx) error {
		if err := replaceBucket(tx, "chain", func(b *bbolt.Bucket) error {
			for _, block := range blocks {
				key := indexKey(block.Index)
				data, err := json.Marshal(block)
				if err != nil {
					return err
				}
				if err := b.Put(key, data); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := putJSONMap(tx, "balances", balances); err != nil {
			return err
		}
		if err := putJSONMap(tx, "stakes", stakes); err != nil {
			return err
		}
		if err := putJSONMap(tx, "contracts", contracts); err != nil {
			return err
		}

		if err := replaceBucket(tx, "pending", func(b *bbolt.Bucket) error {
			for i, txn := range pending {
				data, err := json.Marshal(txn)
				if err != nil {
					return err
				}
				if err := b.Put(indexKey(uint64(i)), data); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		meta := metaDoc{
			Difficulty:     cfg.Difficulty,
			MiningReward:   cfg.MiningReward,
			TransactionFee: cfg.TransactionFee,
			Burned:         state.Burned(),
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte("meta")).Put([]byte("chain"), metaBytes); err != nil {
			return err
		}

		if err := putJSONMap(tx, "porc_wallets", porcSnap.Wallets); err != nil {
			return err
		}
		if err := putJSONMap(tx, "porc_tasks", porcSnap.Tasks); err != nil {
			return err
		}
		if err := replaceBucket(tx, "porc_pools", func(b *bbolt.Bucket) error {
			for _, pool := range porcSnap.Pools {
				data, err := json.Marshal(pool)
				if err != nil {
					return err
				}
				if err := b.Put(indexKey(uint64(pool.Index)), data); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		porcMeta, err := json.Marshal(struct {
			RotationCount int `json:"rotation_count"`
			EnrolledCount int `json:"enrolled_count"`
		}{porcSnap.RotationCount, porcSnap.EnrolledCount})
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte("meta")).Put([]byte("porc"), porcMeta); err != nil {
			return err
		}

		return appendNewContributions(tx, porcSnap.Contributions)
	})
}

// Snapshot is the reconstructable state returned by Restore.
type Snapshot struct {
	Config   ledger.Config
	Blocks   []*chain.Block
	Balances map[string]decimal.Decimal
	Stakes   map[string]decimal.Decimal
	Contracts map[string]string
	Pending  []*chain.Transaction
	Burned   decimal.Decimal
	PoRC     porc.Snapshot
}

// Restore reads every bucket back into a Snapshot. An empty store (no
// chain bucket entries) yields a Snapshot with no blocks and no error;
// callers use HasChain to tell a fresh data directory apart from one with
// state to reload. Any decode or read failure returns ErrPersistence.
func (st *Store) Restore() (Snapshot, error) {
	var snap Snapshot

	err := st.db.View(func(tx *bbolt.Tx) error {
		blocks, err := loadBlocks(tx)
		if err != nil {
			return err
		}
		snap.Blocks = blocks

		if snap.Balances, err = loadDecimalMap(tx, "balances"); err != nil {
			return err
		}
		if snap.Stakes, err = loadDecimalMap(tx, "stakes"); err != nil {
			return err
		}
		if snap.Contracts, err = loadStringMap(tx, "contracts"); err != nil {
			return err
		}
		if snap.Pending, err = loadPending(tx); err != nil {
			return err
		}

		metaBytes := tx.Bucket([]byte("meta")).Get([]byte("chain"))
		if metaBytes != nil {
			var meta metaDoc
			if err := json.Unmarshal(metaBytes, &meta); err != nil {
				return err
			}
			snap.Config = ledger.Config{
				Difficulty:     meta.Difficulty,
				MiningReward:   meta.MiningReward,
				TransactionFee: meta.TransactionFee,
			}
			snap.Burned = meta.Burned
		} else {
			snap.Config = ledger.DefaultConfig()
		}

		porcSnap, err := loadPoRCSnapshot(tx)
		if err != nil {
			return err
		}
		snap.PoRC = porcSnap
		return nil
	})
	if err != nil {
		return Snapshot{}, apperr.Wrap(apperr.ErrPersistence, err)
	}
	return snap, nil
}

// HasChain reports whether a prior snapshot exists, distinguishing a
// fresh data directory from one with durable state to reload.
func (st *Store) HasChain() (bool, error) {
	found := false
	err := st.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte("chain")).Cursor()
		k, _ := c.First()
		found = k != nil
		return nil
	})
	if err != nil {
		return false, apperr.Wrap(apperr.ErrPersistence, err)
	}
	return found, nil
}

func loadBlocks(tx *bbolt.Tx) ([]*chain.Block, error) {
	b := tx.Bucket([]byte("chain"))
	var blocks []*chain.Block
	err := b.ForEach(func(_, v []byte) error {
		var block chain.Block
		if err := json.Unmarshal(v, &block); err != nil {
			return err
		}
		blocks = append(blocks, &block)
		return nil
	})
	return blocks, err
}

func loadPending(tx *bbolt.Tx) ([]*chain.Transaction, error) {
	b := tx.Bucket([]byte("pending"))
	var out []*chain.Transaction
	err := b.ForEach(func(_, v []byte) error {
		var txn chain.Transaction
		if err := json.Unmarshal(v, &txn); err != nil {
			return err
		}
		out = append(out, &txn)
		return nil
	})
	return out, err
}

func loadDecimalMap(tx *bbolt.Tx, bucket string) (map[string]decimal.Decimal, error) {
	b := tx.Bucket([]byte(bucket))
	out := make(map[string]decimal.Decimal)
	err := b.ForEach(func(k, v []byte) error {
		var d decimal.Decimal
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		out[string(k)] = d
		return nil
	})
	return out, err
}

func loadStringMap(tx *bbolt.Tx, bucket string) (map[string]string, error) {
	b := tx.Bucket([]byte(bucket))
	out := make(map[string]string)
	err := b.ForEach(func(k, v []byte) error {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		out[string(k)] = s
		return nil
	})
	return out, err
}

func loadPoRCSnapshot(tx *bbolt.Tx) (porc.Snapshot, error) {
	var snap porc.Snapshot

	wallets := make(map[string]porc.Wallet)
	err := tx.Bucket([]byte("porc_wallets")).ForEach(func(k, v []byte) error {
		var w porc.Wallet
		if err := json.Unmarshal(v, &w); err != nil {
			return err
		}
		wallets[string(k)] = w
		return nil
	})
	if err != nil {
		return snap, err
	}
	snap.Wallets = wallets

	tasks := make(map[string]porc.Task)
	err = tx.Bucket([]byte("porc_tasks")).ForEach(func(k, v []byte) error {
		var t porc.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		tasks[string(k)] = t
		return nil
	})
	if err != nil {
		return snap, err
	}
	snap.Tasks = tasks

	err = tx.Bucket([]byte("porc_pools")).ForEach(func(_, v []byte) error {
		var p porc.Pool
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		snap.Pools = append(snap.Pools, p)
		return nil
	})
	if err != nil {
		return snap, err
	}

	err = tx.Bucket([]byte("porc_contributions")).ForEach(func(_, v []byte) error {
		var c porc.Contribution
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		snap.Contributions = append(snap.Contributions, c)
		return nil
	})
	if err != nil {
		return snap, err
	}

	if metaBytes := tx.Bucket([]byte("meta")).Get([]byte("porc")); metaBytes != nil {
		var m struct {
			RotationCount int `json:"rotation_count"`
			EnrolledCount int `json:"enrolled_count"`
		}
		if err := json.Unmarshal(metaBytes, &m); err != nil {
			return snap, err
		}
		snap.RotationCount = m.RotationCount
		snap.EnrolledCount = m.EnrolledCount
	}

	return snap, nil
}

func appendNewContributions(tx *bbolt.Tx, contributions []porc.Contribution) error {
	b := tx.Bucket([]byte("porc_contributions"))
	stats := b.Stats()
	already := stats.KeyN
	for i := already; i < len(contributions); i++ {
		data, err := json.Marshal(contributions[i])
		if err != nil {
			return err
		}
		if err := b.Put(indexKey(uint64(i)), data); err != nil {
			return err
		}
	}
	return nil
}

func replaceBucket(tx *bbolt.Tx, name string, fill func(*bbolt.Bucket) error) error {
	if err := tx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
		return err
	}
	b, err := tx.CreateBucket([]byte(name))
	if err != nil {
		return err
	}
	return fill(b)
}

func putJSONMap[V any](tx *bbolt.Tx, bucket string, m map[string]V) error {
	return replaceBucket(tx, bucket, func(b *bbolt.Bucket) error {
		for k, v := range m {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func indexKey(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}
