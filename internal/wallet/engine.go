package wallet

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/meridianwallet/chaind/internal/chaindata"
	"github.com/meridianwallet/chaind/pkg/errors"
	"github.com/meridianwallet/chaind/pkg/log"
)

const (
	// DefaultGapLimit is the BIP-44 recommended scan window.
	DefaultGapLimit = 20

	// DefaultWatchPoolMax bounds each role's subscription pool.
	DefaultWatchPoolMax = 100

	// DefaultMinConfirmations separates pending from confirmed.
	DefaultMinConfirmations = 6
)

// Config holds sync engine tunables.
type Config struct {
	GapLimit         int
	WatchPoolMax     int
	MinConfirmations int
}

func (c *Config) withDefaults() *Config {
	out := &Config{
		GapLimit:         DefaultGapLimit,
		WatchPoolMax:     DefaultWatchPoolMax,
		MinConfirmations: DefaultMinConfirmations,
	}
	if c == nil {
		return out
	}
	if c.GapLimit > 0 {
		out.GapLimit = c.GapLimit
	}
	if c.WatchPoolMax > 0 {
		out.WatchPoolMax = c.WatchPoolMax
	}
	if c.MinConfirmations > 0 {
		out.MinConfirmations = c.MinConfirmations
	}
	return out
}

// Engine drives gap-limit address discovery and maintains the balance and
// UTXO ledger. It depends on the chain-data provider and on the external
// collaborator stores; all ledger folds are serialized through foldMu.
type Engine struct {
	cfg *Config
	log *log.Logger

	provider  chaindata.Provider
	keys      KeyManager
	accounts  AccountIterator
	addresses AddressStore
	utxos     UtxoStore
	state     StateStore

	mu          sync.Mutex
	scanning    bool
	halted      bool
	closed      bool
	chainHeight int64
	watch       map[Role][]WatchedAddress
	total       *Balance

	// foldMu serializes ledger folds so concurrent reconciliations of
	// overlapping histories cannot race the seen-point sets.
	foldMu sync.Mutex

	feedOnce sync.Once
	done     chan struct{}
	syncC    chan SyncNotification
	wg       sync.WaitGroup
}

// New creates a sync engine. Call Init before use.
func New(cfg *Config, provider chaindata.Provider, keys KeyManager, accounts AccountIterator,
	addresses AddressStore, utxos UtxoStore, state StateStore, logger *log.Logger) *Engine {

	return &Engine{
		cfg:       cfg.withDefaults(),
		log:       logger.WithComponent("wallet"),
		provider:  provider,
		keys:      keys,
		accounts:  accounts,
		addresses: addresses,
		utxos:     utxos,
		state:     state,
		watch:     make(map[Role][]WatchedAddress),
		total:     &Balance{},
		done:      make(chan struct{}),
		syncC:     make(chan SyncNotification, 64),
	}
}

// SyncEvents exposes the scan progress feed. Entries are dropped rather
// than blocked on when no consumer keeps up.
func (e *Engine) SyncEvents() <-chan SyncNotification {
	return e.syncC
}

func (e *Engine) notifySync(n SyncNotification) {
	select {
	case e.syncC <- n:
	default:
	}
}

// Init opens the collaborator stores, restores the aggregate balance and
// re-subscribes the persisted watch pools.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.addresses.Init(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "engine_init", "address store init failed")
	}
	if err := e.utxos.Init(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "engine_init", "utxo store init failed")
	}
	if err := e.state.Init(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "engine_init", "state store init failed")
	}

	total, err := e.state.GetTotalBalance(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "engine_init", "total balance restore failed")
	}
	if total != nil {
		e.mu.Lock()
		e.total = total
		e.mu.Unlock()
	}

	for _, role := range []Role{RoleExternal, RoleInternal} {
		watched, err := e.state.GetWatchedScriptHashes(ctx, role)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "engine_init", "watch pool restore failed").
				WithContext("role", string(role))
		}
		for _, w := range watched {
			if err := e.watchAddress(ctx, w, role, false); err != nil {
				e.log.WithError(err).WithAddress(w.Address).Warn("failed to re-subscribe watched address")
			}
		}
	}

	e.log.Info("sync engine initialized",
		"gap_limit", e.cfg.GapLimit,
		"watch_pool_max", e.cfg.WatchPoolMax,
		"min_confirmations", e.cfg.MinConfirmations)
	return nil
}

// Reset drops all persisted scan positions, clears the watch pools and
// zeroes the aggregate balance.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.scanning {
		e.mu.Unlock()
		return errors.New(errors.ErrorTypeState, "reset", "cannot reset while a scan is running")
	}
	pools := e.watch
	e.watch = make(map[Role][]WatchedAddress)
	e.total = &Balance{}
	e.mu.Unlock()

	for _, pool := range pools {
		for _, w := range pool {
			if err := e.provider.UnsubscribeFromAddress(w.Address); err != nil {
				e.log.WithError(err).WithAddress(w.Address).Warn("unsubscribe failed during reset")
			}
		}
	}

	if err := e.state.ResetSyncState(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "reset", "sync state reset failed")
	}
	if err := e.state.SetTotalBalance(ctx, &Balance{}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "reset", "total balance reset failed")
	}

	e.log.Info("sync engine reset")
	return nil
}

// Close stops the reconciliation loop, tears down all subscriptions and
// closes the collaborator stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.halted = true
	pools := e.watch
	e.watch = make(map[Role][]WatchedAddress)
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()

	for _, pool := range pools {
		for _, w := range pool {
			_ = e.provider.UnsubscribeFromAddress(w.Address)
		}
	}

	var firstErr error
	for _, closer := range []func() error{e.addresses.Close, e.utxos.Close, e.state.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopSync halts the running scan at its next path boundary and refuses
// new scans until ResumeSync.
func (e *Engine) StopSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = true
}

// ResumeSync clears the halt flag.
func (e *Engine) ResumeSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
}

// IsStopped reports whether scanning is halted.
func (e *Engine) IsStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// UpdateBlock records a new chain tip; folds classify transaction states
// against it.
func (e *Engine) UpdateBlock(height int64) error {
	if height <= 0 {
		return errors.New(errors.ErrorTypeValidation, "update_block", "invalid block height").
			WithContext("height", height)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if height > e.chainHeight {
		e.chainHeight = height
	}
	return nil
}

func (e *Engine) tipHeight(ctx context.Context) (int64, error) {
	e.mu.Lock()
	h := e.chainHeight
	e.mu.Unlock()
	if h > 0 {
		return h, nil
	}

	res, err := e.provider.RPC(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(res, &h); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeProtocol, "tip_height", "malformed block count")
	}

	e.mu.Lock()
	if h > e.chainHeight {
		e.chainHeight = h
	}
	h = e.chainHeight
	e.mu.Unlock()
	return h, nil
}

// WatchAddress subscribes an address to the provider's transaction feed
// and appends it to the role's pool. When the pool is full the oldest
// entry is evicted and its subscription torn down, but only once the new
// subscription succeeds: a failed subscribe leaves the pool, the persisted
// snapshot and the evicted entry's feed untouched.
func (e *Engine) WatchAddress(ctx context.Context, entry WatchedAddress, role Role) error {
	return e.watchAddress(ctx, entry, role, true)
}

// watchAddress implements WatchAddress; persist is false when restoring
// an already-persisted pool at startup.
func (e *Engine) watchAddress(ctx context.Context, entry WatchedAddress, role Role, persist bool) error {
	feed, err := e.provider.SubscribeToAddress(entry.Address)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "watch_address", "subscription failed").
			WithContext("address", entry.Address).
			WithContext("role", string(role))
	}

	e.mu.Lock()
	pool := e.watch[role]
	var evicted *WatchedAddress
	if len(pool) >= e.cfg.WatchPoolMax && len(pool) > 0 {
		old := pool[0]
		evicted = &old
		pool = pool[1:]
	}
	pool = append(pool, entry)
	e.watch[role] = pool
	snapshot := append([]WatchedAddress(nil), pool...)
	e.mu.Unlock()

	if evicted != nil {
		if err := e.provider.UnsubscribeFromAddress(evicted.Address); err != nil {
			e.log.WithError(err).WithAddress(evicted.Address).Warn("evicted address unsubscribe failed")
		}
	}

	if persist {
		if err := e.state.AddWatchedScriptHashes(ctx, role, snapshot); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "watch_address", "watch pool persist failed")
		}
	}

	e.feedOnce.Do(func() {
		e.wg.Add(1)
		go e.reconcileLoop(feed)
	})
	return nil
}

// SyncAccount scans one role's derivation chain until the gap limit is
// reached or the scan is halted. A second call while one is running is
// rejected, not queued.
func (e *Engine) SyncAccount(ctx context.Context, role Role) error {
	e.mu.Lock()
	if e.scanning || e.halted {
		scanning, halted := e.scanning, e.halted
		e.mu.Unlock()
		return errors.New(errors.ErrorTypeState, "sync_account", "scan refused").
			WithContext("scanning", scanning).
			WithContext("halted", halted)
	}
	e.scanning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.scanning = false
		e.mu.Unlock()
	}()

	st, err := e.state.GetSyncState(ctx, role)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "sync_account", "sync state restore failed").
			WithContext("role", string(role))
	}
	if st == nil {
		start := Path{Role: role}
		st = &SyncState{Role: role, NextPath: start, NextUnused: start}
	}
	if st.GapCount >= e.cfg.GapLimit {
		e.log.LogScanComplete(string(role), false, st.GapEnd)
		e.notifySync(SyncNotification{Role: role, GapCount: st.GapCount, GapEnd: st.GapEnd, Complete: true})
		return nil
	}

	if _, err := e.tipHeight(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "sync_account", "chain tip unavailable")
	}

	haltObserved := false
	err = e.accounts.EachAccount(ctx, role, st.NextPath, func(path Path, halt func()) error {
		if e.IsStopped() {
			haltObserved = true
			halt()
			return nil
		}
		if st.GapCount >= e.cfg.GapLimit {
			halt()
			return nil
		}

		addrType := e.keys.AddressType(path)
		_, record, err := e.keys.PathToScriptHash(path, addrType)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeState, "sync_account", "path derivation failed").
				WithContext("path", path.String())
		}

		history, err := e.provider.GetAddressHistory(ctx, record.Address)
		if err != nil {
			return err
		}

		active := len(history) > 0
		if !active {
			st.GapCount++
		} else {
			if err := e.processHistory(ctx, record, history); err != nil {
				return err
			}
			st.GapEnd++
			st.GapCount = 0
			st.NextUnused = e.keys.BumpIndex(path)
		}

		st.NextPath = e.keys.BumpIndex(path)
		if err := e.state.SetSyncState(ctx, st); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "sync_account", "sync state persist failed")
		}

		e.log.LogScanProgress(string(role), path.String(), active, st.GapCount, st.GapEnd)
		e.notifySync(SyncNotification{Role: role, Path: path, Active: active, GapCount: st.GapCount, GapEnd: st.GapEnd})
		return nil
	})
	if err != nil {
		return err
	}

	if !haltObserved {
		if err := e.utxos.Process(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "sync_account", "utxo reconciliation failed")
		}
	}

	e.log.LogScanComplete(string(role), haltObserved, st.GapEnd)
	e.notifySync(SyncNotification{Role: role, GapCount: st.GapCount, GapEnd: st.GapEnd, Complete: true, Halted: haltObserved})
	return nil
}

// GetBalance returns the derived balance for one address, or the
// aggregate total when address is empty.
func (e *Engine) GetBalance(ctx context.Context, address string) (*DerivedBalance, error) {
	if address == "" {
		e.mu.Lock()
		derived := e.total.Derive()
		e.mu.Unlock()
		return &derived, nil
	}

	record, err := e.addresses.Get(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "get_balance", "address lookup failed")
	}
	if record == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "get_balance", "unknown address").
			WithContext("address", address)
	}

	derived := record.Balance.Derive()
	return &derived, nil
}

// UnlockUtxo releases the outputs reserved by a selection.
func (e *Engine) UnlockUtxo(ctx context.Context, state *LockState) error {
	return e.utxos.Unlock(ctx, state)
}

// UtxoForAmount selects and locks outputs covering the amount.
func (e *Engine) UtxoForAmount(ctx context.Context, amount btcutil.Amount, strategy SelectionStrategy) (*LockState, error) {
	return e.utxos.UtxoForAmount(ctx, amount, strategy)
}

// GetTransactions iterates all persisted history rows.
func (e *Engine) GetTransactions(ctx context.Context, fn func(tx *StoredTx) error) error {
	return e.addresses.EachTransaction(ctx, fn)
}

// reconcileLoop consumes the provider's transaction feed. Each event is a
// re-sync trigger only: watched histories are re-fetched and folded, the
// raw event payload itself is never folded directly.
func (e *Engine) reconcileLoop(feed <-chan chaindata.TxNotification) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case n := <-feed:
			if err := e.reconcile(context.Background(), n); err != nil {
				e.log.WithError(err).Warn("reconciliation failed", "txid", n.TxID)
			}
		}
	}
}

// reconcile re-fetches history for every watched address except the ones
// the event already names, folds the results, then clears the internal
// pool: change addresses are single-use.
func (e *Engine) reconcile(ctx context.Context, n chaindata.TxNotification) error {
	touched := make(map[string]struct{}, len(n.Addresses))
	for _, a := range n.Addresses {
		touched[a] = struct{}{}
	}

	e.mu.Lock()
	var targets []WatchedAddress
	for _, role := range []Role{RoleExternal, RoleInternal} {
		for _, w := range e.watch[role] {
			if _, ok := touched[w.Address]; ok {
				continue
			}
			targets = append(targets, w)
		}
	}
	internal := e.watch[RoleInternal]
	e.watch[RoleInternal] = nil
	e.mu.Unlock()

	type fetched struct {
		entry   WatchedAddress
		history []*chaindata.Transaction
		err     error
	}

	results := make([]fetched, len(targets))
	var wg sync.WaitGroup
	for i, w := range targets {
		wg.Add(1)
		go func(i int, w WatchedAddress) {
			defer wg.Done()
			history, err := e.provider.GetAddressHistory(ctx, w.Address)
			results[i] = fetched{entry: w, history: history, err: err}
		}(i, w)
	}
	wg.Wait()

	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if len(r.history) == 0 {
			continue
		}

		record, err := e.addresses.Get(ctx, r.entry.Address)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if record == nil {
			record = NewAddressRecord(r.entry.Address, r.entry.ScriptHash, r.entry.Path,
				e.keys.AddressType(r.entry.Path))
		}
		if err := e.processHistory(ctx, record, r.history); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, w := range internal {
		if err := e.provider.UnsubscribeFromAddress(w.Address); err != nil {
			e.log.WithError(err).WithAddress(w.Address).Warn("internal pool unsubscribe failed")
		}
	}
	if len(internal) > 0 {
		if err := e.state.AddWatchedScriptHashes(ctx, RoleInternal, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
