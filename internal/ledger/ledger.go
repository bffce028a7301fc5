// Package ledger implements the append-only, hash-chained transaction log:
// nonce-uniqueness enforcement, per-entry hash chaining, and full-chain
// integrity verification. Grounded on the teacher's core/ledger.go for the
// overall lifecycle shape (open, replay, append, verify) — the WAL/snapshot
// disk persistence there is out of scope here; this ledger is purely
// in-memory, reconstructed from a transaction log by the kernel.
package ledger

import (
	"strings"
	"sync"

	"github.com/srcp/kernel/internal/canon"
	"github.com/srcp/kernel/internal/kernelerr"
)

// GenesisPrevHash returns the 64-char zero placeholder used as prev_hash for
// an empty chain.
func GenesisPrevHash() string { return strings.Repeat("0", 64) }

// Transaction is the unit the ledger chains. Signature is nil when the
// transaction was never signed — absence is recorded explicitly rather than
// as an empty string (spec open question (a)).
type Transaction struct {
	Type      string  `json:"type"`
	Payload   any     `json:"payload"`
	Nonce     string  `json:"nonce"`
	Timestamp int64   `json:"timestamp"`
	IssuerDID string  `json:"issuer_did"`
	Signature *string `json:"signature,omitempty"`
	Hash      string  `json:"hash"`
}

// HashTransaction computes tx.hash = sha256(canonical(type, payload, nonce,
// timestamp, issuer_did)) — a pure function of those five fields, which is
// why signature (added after hashing, when present) plays no part in it.
func HashTransaction(tx Transaction) string {
	return canon.Hash(canon.Fields{
		"type":       tx.Type,
		"payload":    tx.Payload,
		"nonce":      tx.Nonce,
		"timestamp":  tx.Timestamp,
		"issuer_did": tx.IssuerDID,
	})
}

// Entry is a single ledger record.
type Entry struct {
	Index     int64       `json:"index"`
	Tx        Transaction `json:"tx"`
	PrevHash  string      `json:"prev_hash"`
	EntryHash string      `json:"entry_hash"`
}

// HashEntry computes entry_hash = sha256(canonical(index, tx.hash, prev_hash)).
func HashEntry(index int64, txHash, prevHash string) string {
	return canon.Hash(canon.Fields{
		"index":     index,
		"tx_hash":   txHash,
		"prev_hash": prevHash,
	})
}

// Ledger is the in-memory hash-chained transaction log.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	nonces  map[string]struct{}
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{nonces: make(map[string]struct{})}
}

// Append validates tx.nonce uniqueness and tx.hash recomputation, then
// appends a new entry with the correct prev_hash/entry_hash. No partial
// state is visible on failure.
func (l *Ledger) Append(tx Transaction) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.nonces[tx.Nonce]; seen {
		return Entry{}, kernelerr.Wrap(kernelerr.KindReplayAttack, "nonce "+tx.Nonce+" already applied", nil)
	}
	if expected := HashTransaction(tx); expected != tx.Hash {
		return Entry{}, kernelerr.Wrap(kernelerr.KindChainBroken, "transaction hash does not match its fields", nil)
	}

	prevHash := l.headHashLocked()
	index := int64(len(l.entries))
	entry := Entry{
		Index:     index,
		Tx:        tx,
		PrevHash:  prevHash,
		EntryHash: HashEntry(index, tx.Hash, prevHash),
	}
	l.entries = append(l.entries, entry)
	l.nonces[tx.Nonce] = struct{}{}
	return entry, nil
}

// HeadHash returns the last entry_hash, or the genesis placeholder when
// empty.
func (l *Ledger) HeadHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHashLocked()
}

func (l *Ledger) headHashLocked() string {
	if len(l.entries) == 0 {
		return GenesisPrevHash()
	}
	return l.entries[len(l.entries)-1].EntryHash
}

// Entries returns a copy of the full log, read-only by convention.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// HasNonce reports whether nonce has already been applied.
func (l *Ledger) HasNonce(nonce string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, seen := l.nonces[nonce]
	return seen
}

// Len returns the number of entries in the chain.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// VerifyResult reports the outcome of a chain-integrity walk.
type VerifyResult struct {
	AllValid          bool   `json:"all_valid"`
	FirstInvalidIndex *int64 `json:"first_invalid_index,omitempty"`
}

// Verify walks the chain recomputing each entry_hash and prev_hash linkage,
// reporting the first break rather than raising — integrity checks are
// returned as values, never as errors (spec §7).
func (l *Ledger) Verify() VerifyResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := GenesisPrevHash()
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			idx := int64(i)
			return VerifyResult{AllValid: false, FirstInvalidIndex: &idx}
		}
		if entry.Index != int64(i) {
			idx := int64(i)
			return VerifyResult{AllValid: false, FirstInvalidIndex: &idx}
		}
		wantHash := HashEntry(entry.Index, entry.Tx.Hash, entry.PrevHash)
		if wantHash != entry.EntryHash {
			idx := int64(i)
			return VerifyResult{AllValid: false, FirstInvalidIndex: &idx}
		}
		if HashTransaction(entry.Tx) != entry.Tx.Hash {
			idx := int64(i)
			return VerifyResult{AllValid: false, FirstInvalidIndex: &idx}
		}
		prevHash = entry.EntryHash
	}
	return VerifyResult{AllValid: true}
}

// IsZeroHash reports whether s consists only of '0' characters, useful for
// hosts inspecting an empty ledger's head hash. The genesis placeholder
// matches, and so does any shorter all-zero string, including "".
func IsZeroHash(s string) bool {
	return s == GenesisPrevHash() || strings.Trim(s, "0") == ""
}
