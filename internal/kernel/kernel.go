// Package kernel implements the boot/seal lifecycle, the transaction
// pipeline, rolling state-hash computation, replay, integrity audit, and
// export/verify. It is pure orchestration over internal/adapters,
// internal/identity, internal/canon and internal/ledger — no new
// third-party surface of its own.
//
// Grounded on default-user-OI/kernel-go's internal/kernel pipeline.go and
// state.go (a stage-by-stage corridor function over a single locked state
// struct), repurposed from a capability/governance corridor into this
// spec's boot -> execute-transaction -> seal lifecycle.
package kernel

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/srcp/kernel/internal/adapters"
	"github.com/srcp/kernel/internal/canon"
	"github.com/srcp/kernel/internal/identity"
	"github.com/srcp/kernel/internal/kernelerr"
	"github.com/srcp/kernel/internal/ledger"
)

const Version = "1.0.0"

// Options configures Boot.
type Options struct {
	Adapters adapters.Set
	// Identity is adopted if supplied; otherwise the kernel creates one.
	Identity *identity.Identity
	// IdentityUsername names the identity the kernel creates when Identity
	// is nil.
	IdentityUsername string
	// DisableSigning skips signing transactions. Exports carry no
	// signature whether or not this is set.
	DisableSigning bool
	// LockDate/LockMath engage the substrate lock from boot until Seal,
	// which releases it, per spec 4.A.
	LockDate bool
	LockMath bool
}

// Kernel is the boot/seal lifecycle owner and transaction pipeline.
type Kernel struct {
	mu sync.RWMutex

	adapters adapters.Set
	identity *identity.Identity
	lock     *adapters.Lock
	sign     bool

	ledger *ledger.Ledger

	bootTime      int64
	lastTimestamp int64
	stateHash     string
	sealed        bool
	history       []Snapshot
}

// Snapshot is an immutable, publishable kernel state record. Every
// ExecuteTransaction call publishes a fresh one; there is no mutation path.
type Snapshot struct {
	Version          string `json:"version"`
	LogicalTime      int64  `json:"logicalTime"`
	TransactionCount int    `json:"transactionCount"`
	IdentityRef      string `json:"identityRef"`
	LedgerHeadHash   string `json:"ledgerHeadHash"`
	StateHash        string `json:"stateHash"`
}

// Result is returned by ExecuteTransaction.
type Result struct {
	Success     bool               `json:"success"`
	Transaction ledger.Transaction `json:"transaction"`
	StateHash   string             `json:"stateHash"`
}

// Boot validates adapters, reads boot_time once, adopts or creates an
// identity, and publishes the genesis snapshot.
func Boot(opts Options) (*Kernel, error) {
	if opts.Adapters.Clock == nil || opts.Adapters.Nonce == nil || opts.Adapters.Logger == nil {
		return nil, kernelerr.Wrap(kernelerr.KindAdapterMissing, "clock, nonce and logger adapters are all required", nil)
	}

	lock := adapters.NewLock()
	if opts.LockDate {
		lock.EngageDate()
	}
	if opts.LockMath {
		lock.EngageMath()
	}

	opts.Adapters.Logger.Log("boot", nil)

	bootTime := opts.Adapters.Clock.Now()

	id := opts.Identity
	if id == nil {
		username := opts.IdentityUsername
		created, err := identity.Create(username)
		if err != nil {
			return nil, err
		}
		id = created
	}

	stateHash0 := canon.Hash(canon.Fields{
		"version":   Version,
		"boot_time": bootTime,
		"did":       id.DID(),
	})

	k := &Kernel{
		adapters:      opts.Adapters,
		identity:      id,
		lock:          lock,
		sign:          !opts.DisableSigning,
		ledger:        ledger.New(),
		bootTime:      bootTime,
		lastTimestamp: bootTime,
		stateHash:     stateHash0,
	}
	k.publishLocked()
	return k, nil
}

// Identity returns the kernel's identity.
func (k *Kernel) Identity() *identity.Identity {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.identity
}

// BootTime returns the logical time read once at boot.
func (k *Kernel) BootTime() int64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.bootTime
}

// Snapshot returns the most recently published snapshot.
func (k *Kernel) Snapshot() Snapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.history[len(k.history)-1]
}

// History returns every published snapshot in order, read-only by
// convention.
func (k *Kernel) History() []Snapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Snapshot, len(k.history))
	copy(out, k.history)
	return out
}

// Sealed reports whether the kernel has been sealed.
func (k *Kernel) Sealed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sealed
}

// KernelMetrics is a read-only numeric summary of a kernel's activity,
// mirroring the Event Fabric's own counters.
type KernelMetrics struct {
	TransactionCount int    `json:"transactionCount"`
	LogicalTime      int64  `json:"logicalTime"`
	Sealed           bool   `json:"sealed"`
	StateHash        string `json:"stateHash"`
}

// Metrics returns a snapshot of the kernel's activity counters.
func (k *Kernel) Metrics() KernelMetrics {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return KernelMetrics{
		TransactionCount: k.ledger.Len(),
		LogicalTime:      k.lastTimestamp,
		Sealed:           k.sealed,
		StateHash:        k.stateHash,
	}
}

// publishLocked appends the current state as a new snapshot. Callers must
// hold k.mu.
func (k *Kernel) publishLocked() {
	k.history = append(k.history, Snapshot{
		Version:          Version,
		LogicalTime:      k.lastTimestamp,
		TransactionCount: k.ledger.Len(),
		IdentityRef:      k.identity.DID(),
		LedgerHeadHash:   k.ledger.HeadHash(),
		StateHash:        k.stateHash,
	})
}

// ExecuteTransaction runs the transaction pipeline: assign timestamp and
// nonce, construct and hash the transaction, sign it if enabled, append to
// the ledger, roll the state hash forward, and publish a new snapshot.
func (k *Kernel) ExecuteTransaction(_ context.Context, txType string, payload any) (Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.sealed {
		return Result{}, kernelerr.ErrSealed
	}

	timestamp := k.adapters.Clock.Now()
	if timestamp <= k.lastTimestamp {
		return Result{}, kernelerr.Wrap(kernelerr.KindClockRegression, "timestamp did not strictly advance", nil)
	}

	nonce := k.adapters.Nonce.Generate()
	if k.ledger.HasNonce(nonce) {
		return Result{}, kernelerr.Wrap(kernelerr.KindReplayAttack, "adapter produced an already-applied nonce", nil)
	}

	tx := ledger.Transaction{
		Type:      txType,
		Payload:   payload,
		Nonce:     nonce,
		Timestamp: timestamp,
		IssuerDID: k.identity.DID(),
	}
	tx.Hash = ledger.HashTransaction(tx)

	if k.sign {
		sig, err := k.identity.Sign(tx.Hash)
		if err != nil {
			return Result{}, err
		}
		tx.Signature = &sig
	}

	entry, err := k.ledger.Append(tx)
	if err != nil {
		return Result{}, err
	}

	k.stateHash = canon.Hash(canon.Fields{"prev": k.stateHash, "tx_hash": entry.Tx.Hash})
	k.lastTimestamp = timestamp
	k.publishLocked()

	return Result{Success: true, Transaction: entry.Tx, StateHash: k.stateHash}, nil
}

// Seal transitions the kernel to its terminal state. Subsequent
// ExecuteTransaction calls fail with SEALED; reads (Snapshot, History,
// VerifyIntegrity, Export) remain available.
func (k *Kernel) Seal() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sealed = true
	k.adapters.Logger.Log("seal", nil)
	k.lock.Release()
}

// IntegrityReport is returned by VerifyIntegrity.
type IntegrityReport struct {
	Valid          bool                `json:"valid"`
	StateHashMatch bool                `json:"stateHashMatch"`
	Ledger         ledger.VerifyResult `json:"ledger"`
}

// VerifyIntegrity re-derives the state hash from the ledger's transaction
// sequence and re-validates the chain.
func (k *Kernel) VerifyIntegrity() IntegrityReport {
	k.mu.RLock()
	defer k.mu.RUnlock()

	recomputed := canon.Hash(canon.Fields{
		"version":   Version,
		"boot_time": k.bootTime,
		"did":       k.identity.DID(),
	})
	for _, entry := range k.ledger.Entries() {
		recomputed = canon.Hash(canon.Fields{"prev": recomputed, "tx_hash": entry.Tx.Hash})
	}

	ledgerResult := k.ledger.Verify()
	stateMatch := recomputed == k.stateHash
	return IntegrityReport{
		Valid:          stateMatch && ledgerResult.AllValid,
		StateHashMatch: stateMatch,
		Ledger:         ledgerResult,
	}
}

// ReplayOptions pins the boot-time facts Replay needs but cannot ask a
// clock/nonce adapter for, since replay must derive state purely from the
// recorded log rather than from live adapters.
type ReplayOptions struct {
	BootTime    int64
	IdentityDID string
}

// Replay re-derives a Snapshot from a recorded transaction log without
// touching any adapter: it recomputes the genesis state hash from opts, then
// folds forward using each transaction's own stored hash, enforcing strictly
// increasing timestamps and nonce uniqueness exactly as the live pipeline
// does. Two replays of the same log always produce the same Snapshot.
func Replay(log []ledger.Transaction, opts ReplayOptions) (Snapshot, error) {
	stateHash := canon.Hash(canon.Fields{
		"version":   Version,
		"boot_time": opts.BootTime,
		"did":       opts.IdentityDID,
	})

	l := ledger.New()
	lastTimestamp := opts.BootTime
	for i, tx := range log {
		if tx.Timestamp <= lastTimestamp {
			return Snapshot{}, kernelerr.Wrap(kernelerr.KindClockRegression, "replayed transaction did not strictly advance time", nil)
		}
		if expected := ledger.HashTransaction(tx); expected != tx.Hash {
			return Snapshot{}, kernelerr.Wrap(kernelerr.KindChainBroken, "replayed transaction hash does not match its fields", nil)
		}
		entry, err := l.Append(tx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("kernel: replay entry %d: %w", i, err)
		}
		stateHash = canon.Hash(canon.Fields{"prev": stateHash, "tx_hash": entry.Tx.Hash})
		lastTimestamp = tx.Timestamp
	}

	return Snapshot{
		Version:          Version,
		LogicalTime:      lastTimestamp,
		TransactionCount: l.Len(),
		IdentityRef:      opts.IdentityDID,
		LedgerHeadHash:   l.HeadHash(),
		StateHash:        stateHash,
	}, nil
}

// ExportBlob is a complete, portable record of a kernel's history: enough
// for a third party holding only the issuer's public key to replay and
// verify it independently. Transactions carries each applied transaction
// verbatim, with no derived chain-position fields — prevHash/entryHash are
// recomputable from the transactions themselves and are intentionally not
// duplicated here, so a single tampered field always changes the
// reconstruction rather than silently matching a tampered shadow copy.
type ExportBlob struct {
	Version       string               `json:"version"`
	BootTime      int64                `json:"bootTime"`
	IdentityDID   string               `json:"identityDID"`
	IdentityJWK   identity.JWK         `json:"identityJWK"`
	Transactions  []ledger.Transaction `json:"transactions"`
	FinalSnapshot Snapshot             `json:"finalSnapshot"`
}

// Export produces a portable ExportBlob of the kernel's full history.
func (k *Kernel) Export() (ExportBlob, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entries := k.ledger.Entries()
	txs := make([]ledger.Transaction, len(entries))
	for i, e := range entries {
		txs[i] = e.Tx
	}

	return ExportBlob{
		Version:       Version,
		BootTime:      k.bootTime,
		IdentityDID:   k.identity.DID(),
		IdentityJWK:   k.identity.PublicKey(),
		Transactions:  txs,
		FinalSnapshot: k.history[len(k.history)-1],
	}, nil
}

// VerificationResult reports the outcome of VerifyExport.
type VerificationResult struct {
	Valid           bool   `json:"valid"`
	ChainValid      bool   `json:"chainValid"`
	SnapshotMatches bool   `json:"snapshotMatches"`
	SignaturesValid bool   `json:"signaturesValid"`
	Reason          string `json:"reason,omitempty"`
}

// VerifyExport independently verifies an ExportBlob: it rebuilds the ledger
// from the recorded transactions, checks chain integrity, re-signs nothing
// (it has no private key) but checks every present signature against the
// exported public key, and replays the full state to compare, field by
// field, against the blob's declared version and final snapshot — so that
// mutating any one of them is detectable, not just the two hash fields.
func VerifyExport(blob ExportBlob) VerificationResult {
	if blob.Version != Version {
		return VerificationResult{Reason: "unsupported export version: " + blob.Version}
	}

	l := ledger.New()
	for i, tx := range blob.Transactions {
		if expected := ledger.HashTransaction(tx); expected != tx.Hash {
			return VerificationResult{Reason: "transaction hash mismatch at index " + strconv.Itoa(i)}
		}
		if _, err := l.Append(tx); err != nil {
			return VerificationResult{Reason: "chain append failed at index " + strconv.Itoa(i) + ": " + err.Error()}
		}
		if tx.Signature != nil {
			if !identity.Verify(blob.IdentityJWK, tx.Hash, *tx.Signature) {
				return VerificationResult{ChainValid: true, Reason: "invalid signature at index " + strconv.Itoa(i)}
			}
		}
	}

	chainResult := l.Verify()

	snapshot, err := Replay(blob.Transactions, ReplayOptions{BootTime: blob.BootTime, IdentityDID: blob.IdentityDID})
	if err != nil {
		return VerificationResult{ChainValid: chainResult.AllValid, Reason: "replay failed: " + err.Error()}
	}
	snapshotMatches := snapshot == blob.FinalSnapshot

	return VerificationResult{
		Valid:           chainResult.AllValid && snapshotMatches,
		ChainValid:      chainResult.AllValid,
		SnapshotMatches: snapshotMatches,
		SignaturesValid: true,
	}
}

