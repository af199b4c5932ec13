// Package chain implements the value-bearing and hash-linked types of the
// ledger: transactions and blocks. Amounts are decimal.Decimal, and
// signatures are a simulated sha256(hash++key) scheme rather than real
// public-key cryptography.
package chain

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/nilotic/ledger/internal/hashutil"
)

// Sentinel addresses recognized by the ledger state machine.
const (
	Coinbase = "COINBASE"
	Contract = "CONTRACT"
)

// Transaction is immutable once Hash is computed by NewTransaction.
type Transaction struct {
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     int64           `json:"timestamp"`
	IsOffline     bool            `json:"is_offline"`
	ContractCode  string          `json:"contract_code,omitempty"`
	ContractState string          `json:"contract_state,omitempty"`
	Signature     string          `json:"signature"`
	Hash          string          `json:"hash"`
}

// NewTransaction computes Hash and leaves Signature empty.
func NewTransaction(sender, recipient string, amount decimal.Decimal, isOffline bool, contractCode, contractState string) *Transaction {
	tx := &Transaction{
		Sender:        sender,
		Recipient:     recipient,
		Amount:        amount,
		Timestamp:     hashutil.NowUnix(),
		IsOffline:     isOffline,
		ContractCode:  contractCode,
		ContractState: contractState,
	}
	tx.Hash = tx.computeHash()
	return tx
}

// computeHash hashes sender, recipient, amount, timestamp, and the
// optional contract/offline markers in a fixed field order.
func (tx *Transaction) computeHash() string {
	parts := []string{
		tx.Sender,
		tx.Recipient,
		tx.Amount.String(),
		strconv.FormatInt(tx.Timestamp, 10),
	}
	if tx.ContractCode != "" {
		parts = append(parts, "CONTRACT:"+tx.ContractCode)
	}
	if tx.IsOffline {
		parts = append(parts, "OFFLINE:true")
	} else {
		parts = append(parts, "OFFLINE:false")
	}
	return hashutil.SHA256Hex(parts...)
}

// Sign sets Signature = sha256hex(hash ++ key), except for coinbase
// transactions, which are never signed.
func (tx *Transaction) Sign(key string) {
	if tx.Sender == Coinbase {
		return
	}
	tx.Signature = hashutil.SHA256Hex(tx.Hash, key)
}

// Verify is a read-only predicate: coinbase is always valid, otherwise a
// non-empty signature is required. This does not cryptographically
// verify anything — see DESIGN.md's note on the dropped crypto.go.
func (tx *Transaction) Verify() bool {
	if tx.Sender == Coinbase {
		return true
	}
	return tx.Signature != ""
}

// IsValid is the structural validity predicate.
func (tx *Transaction) IsValid() bool {
	if tx.Amount.IsNegative() {
		return false
	}
	if tx.Sender == "" {
		return false
	}
	if !tx.IsOffline && tx.Recipient == "" {
		return false
	}
	if tx.Sender == Coinbase {
		return true
	}
	return tx.Signature != ""
}

// NewCoinbase builds the reward transaction minted at block assembly.
func NewCoinbase(recipient string, amount decimal.Decimal) *Transaction {
	return NewTransaction(Coinbase, recipient, amount, false, "", "")
}
