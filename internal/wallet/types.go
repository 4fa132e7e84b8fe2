package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Role designates an HD wallet chain: external for receiving addresses,
// internal for change addresses.
type Role string

const (
	RoleExternal Role = "external"
	RoleInternal Role = "internal"
)

// ChainIndex maps a role to its BIP-44 chain component.
func (r Role) ChainIndex() uint32 {
	if r == RoleInternal {
		return 1
	}
	return 0
}

// AddressType identifies the script kind derived for a path.
type AddressType string

const (
	AddressTypeP2PKH  AddressType = "p2pkh"
	AddressTypeP2WPKH AddressType = "p2wpkh"
)

// Path is a derivation path within one account chain.
type Path struct {
	Account uint32
	Role    Role
	Index   uint32
}

func (p Path) String() string {
	return fmt.Sprintf("m/%d'/%d/%d", p.Account, p.Role.ChainIndex(), p.Index)
}

// Next returns the successor path on the same chain.
func (p Path) Next() Path {
	return Path{Account: p.Account, Role: p.Role, Index: p.Index + 1}
}

// TxState classifies a transaction relative to the current chain tip.
type TxState string

const (
	TxMempool   TxState = "mempool"
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
)

// Bucket holds one direction's amounts split by transaction state.
type Bucket struct {
	Confirmed btcutil.Amount `json:"confirmed"`
	Pending   btcutil.Amount `json:"pending"`
	Mempool   btcutil.Amount `json:"mempool"`
}

func (b *Bucket) add(state TxState, value btcutil.Amount) {
	switch state {
	case TxConfirmed:
		b.Confirmed += value
	case TxPending:
		b.Pending += value
	case TxMempool:
		b.Mempool += value
	}
}

func (b *Bucket) forState(state TxState) btcutil.Amount {
	switch state {
	case TxConfirmed:
		return b.Confirmed
	case TxPending:
		return b.Pending
	default:
		return b.Mempool
	}
}

// Balance is the raw three-bucket ledger for an address or the aggregate
// total. Out accumulates value received via outputs, In value spent via
// inputs; the displayed balance is derived, not stored.
type Balance struct {
	In  Bucket `json:"in"`
	Out Bucket `json:"out"`
	Fee Bucket `json:"fee"`
}

// DerivedBalance is the user-facing view computed from a Balance.
type DerivedBalance struct {
	Confirmed btcutil.Amount `json:"confirmed"`
	Pending   btcutil.Amount `json:"pending"`
	Mempool   btcutil.Amount `json:"mempool"`
}

// Derive computes the displayed balance: confirmed and mempool are
// out − in, pending is the absolute in/out difference.
func (b *Balance) Derive() DerivedBalance {
	pending := b.In.Pending - b.Out.Pending
	if pending < 0 {
		pending = -pending
	}
	return DerivedBalance{
		Confirmed: b.Out.Confirmed - b.In.Confirmed,
		Pending:   pending,
		Mempool:   b.Out.Mempool - b.In.Mempool,
	}
}

// AddressRecord is the ledger entry for one derived address. SeenOutputs
// and SeenInputs hold the id:index points already folded, preventing
// double counting when the same history is reprocessed.
type AddressRecord struct {
	Address     string              `json:"address"`
	ScriptHash  string              `json:"script_hash"`
	Path        Path                `json:"path"`
	Type        AddressType         `json:"type"`
	Balance     Balance             `json:"balance"`
	SeenOutputs map[string]struct{} `json:"seen_outputs"`
	SeenInputs  map[string]struct{} `json:"seen_inputs"`
}

// NewAddressRecord creates an empty ledger entry for an address.
func NewAddressRecord(address, scriptHash string, path Path, addrType AddressType) *AddressRecord {
	return &AddressRecord{
		Address:     address,
		ScriptHash:  scriptHash,
		Path:        path,
		Type:        addrType,
		SeenOutputs: make(map[string]struct{}),
		SeenInputs:  make(map[string]struct{}),
	}
}

// WatchedAddress is one entry of a role's subscription pool.
type WatchedAddress struct {
	Address    string `json:"address"`
	ScriptHash string `json:"script_hash"`
	Path       Path   `json:"path"`
}

// SyncState is the persisted per-role scan position. NextPath is where the
// next scan resumes; NextUnused is one past the highest path with observed
// activity, used to avoid address reuse.
type SyncState struct {
	Role       Role `json:"role"`
	NextPath   Path `json:"next_path"`
	NextUnused Path `json:"next_unused"`

	// GapCount is the current run of consecutive empty addresses;
	// GapEnd counts addresses with activity found so far.
	GapCount int `json:"gap_count"`
	GapEnd   int `json:"gap_end"`
}

// SyncNotification reports scan progress. One entry is emitted per
// processed path; a final entry with Complete set closes each run.
type SyncNotification struct {
	Role     Role
	Path     Path
	Active   bool
	GapCount int
	GapEnd   int
	Complete bool
	Halted   bool
}

// Direction tells the UTXO store whether a folded point creates or spends
// an output.
type Direction string

const (
	DirectionIn  Direction = "in"  // output received: a new UTXO
	DirectionOut Direction = "out" // input spent: removes a UTXO
)

// Utxo is one unspent output tracked for spending.
type Utxo struct {
	TxID    string         `json:"txid"`
	Index   uint32         `json:"index"`
	Address string         `json:"address"`
	Value   btcutil.Amount `json:"value"`
	Height  int64          `json:"height"`
}

// Outpoint is the UTXO's identity.
func (u *Utxo) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Index)
}

// SelectionStrategy names a UTXO selection policy.
type SelectionStrategy string

const (
	SelectSmallestFirst SelectionStrategy = "smallest_first"
	SelectLargestFirst  SelectionStrategy = "largest_first"
)

// LockState holds the outputs reserved by a selection until they are
// spent or unlocked.
type LockState struct {
	Utxos []*Utxo        `json:"utxos"`
	Total btcutil.Amount `json:"total"`
}

// StoredTx is one persisted history row surfaced by GetTransactions.
type StoredTx struct {
	Address string `json:"address"`
	TxID    string `json:"txid"`
	Height  int64  `json:"height"`
}
