package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
)

// KeyManager derives script hashes and address records from paths. HD
// derivation internals stay behind this contract.
type KeyManager interface {
	// PathToScriptHash derives the script hash and a fresh ledger record
	// for a path.
	PathToScriptHash(path Path, addrType AddressType) (string, *AddressRecord, error)

	// AddressType reports the script kind used for a path.
	AddressType(path Path) AddressType

	// BumpIndex returns the successor path on the same chain.
	BumpIndex(path Path) Path
}

// AccountIterator walks successive derivation paths for a role starting
// at a given path. The callback may stop iteration early via halt.
type AccountIterator interface {
	EachAccount(ctx context.Context, role Role, start Path, fn func(path Path, halt func()) error) error
}

// AddressStore persists ledger records and raw transaction history.
type AddressStore interface {
	Init(ctx context.Context) error
	Close() error

	// Get returns the record for an address, or nil when unknown.
	Get(ctx context.Context, address string) (*AddressRecord, error)
	Set(ctx context.Context, record *AddressRecord) error
	NewAddress(ctx context.Context, record *AddressRecord) error

	StoreTxHistory(ctx context.Context, address string, history []StoredTx) error

	// EachTransaction iterates all persisted history rows. Returning an
	// error from fn stops the iteration.
	EachTransaction(ctx context.Context, fn func(tx *StoredTx) error) error
}

// UtxoStore tracks unspent outputs and selection locks.
type UtxoStore interface {
	Init(ctx context.Context) error
	Close() error

	// Add records a folded point: DirectionIn inserts a UTXO,
	// DirectionOut marks the referenced outpoint spent.
	Add(ctx context.Context, utxo *Utxo, direction Direction) error

	// Unlock releases the outputs reserved by a selection.
	Unlock(ctx context.Context, state *LockState) error

	// UtxoForAmount selects and locks outputs covering the amount.
	UtxoForAmount(ctx context.Context, amount btcutil.Amount, strategy SelectionStrategy) (*LockState, error)

	// Process reconciles spent-against-unspent bookkeeping after a scan.
	Process(ctx context.Context) error
}

// StateStore persists scan positions, watch pools and the aggregate
// balance.
type StateStore interface {
	Init(ctx context.Context) error
	Close() error

	GetWatchedScriptHashes(ctx context.Context, role Role) ([]WatchedAddress, error)

	// AddWatchedScriptHashes persists a role's watch pool, replacing the
	// previous snapshot. An empty list clears the pool; there is no
	// per-entry removal operation.
	AddWatchedScriptHashes(ctx context.Context, role Role, list []WatchedAddress) error

	// GetSyncState returns the persisted scan position for a role, or
	// nil when the role has never been scanned.
	GetSyncState(ctx context.Context, role Role) (*SyncState, error)
	SetSyncState(ctx context.Context, state *SyncState) error
	ResetSyncState(ctx context.Context) error

	GetTotalBalance(ctx context.Context) (*Balance, error)
	SetTotalBalance(ctx context.Context, total *Balance) error
}
