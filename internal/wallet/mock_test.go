package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/meridianwallet/chaind/internal/chaindata"
	"github.com/meridianwallet/chaind/pkg/errors"
)

// mockProvider is a scripted chaindata.Provider. Histories are keyed by
// address; every fetch is counted.
type mockProvider struct {
	mu           sync.Mutex
	tip          int64
	histories    map[string][]*chaindata.Transaction
	historyCalls map[string]int
	historyErr   error
	historyGate  chan struct{} // when set, GetAddressHistory blocks until closed
	subscribed   []string
	unsubscribed []string
	subscribeErr error
	txC          chan chaindata.TxNotification
	blockC       chan chaindata.BlockNotification
}

var _ chaindata.Provider = (*mockProvider)(nil)

func newMockProvider(tip int64) *mockProvider {
	return &mockProvider{
		tip:          tip,
		histories:    make(map[string][]*chaindata.Transaction),
		historyCalls: make(map[string]int),
		txC:          make(chan chaindata.TxNotification, 8),
		blockC:       make(chan chaindata.BlockNotification, 8),
	}
}

func (p *mockProvider) Connect(context.Context) error { return nil }
func (p *mockProvider) IsConnected() bool             { return true }
func (p *mockProvider) Close() error                  { return nil }

func (p *mockProvider) RPC(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	if method == "getblockcount" {
		p.mu.Lock()
		defer p.mu.Unlock()
		return json.RawMessage(fmt.Sprintf("%d", p.tip)), nil
	}
	return nil, errors.New(errors.ErrorTypeRemote, "rpc", "unsupported method").
		WithContext("method", method)
}

func (p *mockProvider) GetTransaction(context.Context, string, *chaindata.TxOptions) (*chaindata.Transaction, error) {
	return nil, errors.New(errors.ErrorTypeRemote, "get_transaction", "not scripted")
}

func (p *mockProvider) GetAddressHistory(_ context.Context, address string) ([]*chaindata.Transaction, error) {
	p.mu.Lock()
	gate := p.historyGate
	p.historyCalls[address]++
	history := p.histories[address]
	err := p.historyErr
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (p *mockProvider) GetBalance(context.Context, string) (*chaindata.AddressBalance, error) {
	return &chaindata.AddressBalance{}, nil
}

func (p *mockProvider) BroadcastTransaction(context.Context, string) (string, error) {
	return "", errors.New(errors.ErrorTypeRemote, "broadcast", "not scripted")
}

func (p *mockProvider) SubscribeToBlocks() (<-chan chaindata.BlockNotification, error) {
	return p.blockC, nil
}

func (p *mockProvider) UnsubscribeFromBlocks() error { return nil }

func (p *mockProvider) SubscribeToAddress(address string) (<-chan chaindata.TxNotification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	p.subscribed = append(p.subscribed, address)
	return p.txC, nil
}

func (p *mockProvider) UnsubscribeFromAddress(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed = append(p.unsubscribed, address)
	return nil
}

func (p *mockProvider) calls(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.historyCalls[address]
}

func (p *mockProvider) setHistory(address string, history []*chaindata.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histories[address] = history
}

// mockKeys derives deterministic addresses: addr-<role>-<index>.
type mockKeys struct{}

func mockAddress(role Role, index uint32) string {
	return fmt.Sprintf("addr-%s-%d", role, index)
}

func (mockKeys) PathToScriptHash(path Path, addrType AddressType) (string, *AddressRecord, error) {
	address := mockAddress(path.Role, path.Index)
	scriptHash := "sh-" + address
	return scriptHash, NewAddressRecord(address, scriptHash, path, addrType), nil
}

func (mockKeys) AddressType(Path) AddressType { return AddressTypeP2WPKH }
func (mockKeys) BumpIndex(path Path) Path     { return path.Next() }

// mockIterator walks successive indexes until halted, capped to keep a
// runaway scan from spinning forever.
type mockIterator struct {
	maxSteps int
}

func (it *mockIterator) EachAccount(ctx context.Context, role Role, start Path, fn func(Path, func()) error) error {
	steps := it.maxSteps
	if steps == 0 {
		steps = 1000
	}

	halted := false
	halt := func() { halted = true }

	path := start
	for range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(path, halt); err != nil {
			return err
		}
		if halted {
			return nil
		}
		path = path.Next()
	}
	return nil
}

// mockAddressStore keeps records and history rows in maps.
type mockAddressStore struct {
	mu      sync.Mutex
	records map[string]*AddressRecord
	history []StoredTx
}

func newMockAddressStore() *mockAddressStore {
	return &mockAddressStore{records: make(map[string]*AddressRecord)}
}

func (s *mockAddressStore) Init(context.Context) error { return nil }
func (s *mockAddressStore) Close() error               { return nil }

func (s *mockAddressStore) Get(_ context.Context, address string) (*AddressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[address], nil
}

func (s *mockAddressStore) Set(_ context.Context, record *AddressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Address] = record
	return nil
}

func (s *mockAddressStore) NewAddress(_ context.Context, record *AddressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Address] = record
	return nil
}

func (s *mockAddressStore) StoreTxHistory(_ context.Context, _ string, history []StoredTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, history...)
	return nil
}

func (s *mockAddressStore) EachTransaction(_ context.Context, fn func(*StoredTx) error) error {
	s.mu.Lock()
	rows := append([]StoredTx(nil), s.history...)
	s.mu.Unlock()
	for i := range rows {
		if err := fn(&rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// mockUtxoStore records fold points and reconciliation calls.
type mockUtxoStore struct {
	mu           sync.Mutex
	added        map[string]Direction
	processCalls int
	unlocked     []*LockState
}

func newMockUtxoStore() *mockUtxoStore {
	return &mockUtxoStore{added: make(map[string]Direction)}
}

func (s *mockUtxoStore) Init(context.Context) error { return nil }
func (s *mockUtxoStore) Close() error               { return nil }

func (s *mockUtxoStore) Add(_ context.Context, utxo *Utxo, direction Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[string(direction)+":"+utxo.Outpoint()] = direction
	return nil
}

func (s *mockUtxoStore) Unlock(_ context.Context, state *LockState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = append(s.unlocked, state)
	return nil
}

func (s *mockUtxoStore) UtxoForAmount(context.Context, btcutil.Amount, SelectionStrategy) (*LockState, error) {
	return &LockState{}, nil
}

func (s *mockUtxoStore) Process(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processCalls++
	return nil
}

func (s *mockUtxoStore) processed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processCalls
}

// mockStateStore keeps scan positions, watch pools and the total in
// memory.
type mockStateStore struct {
	mu            sync.Mutex
	syncStates    map[Role]*SyncState
	watched       map[Role][]WatchedAddress
	total         *Balance
	setTotalCalls int
}

func newMockStateStore() *mockStateStore {
	return &mockStateStore{
		syncStates: make(map[Role]*SyncState),
		watched:    make(map[Role][]WatchedAddress),
	}
}

func (s *mockStateStore) Init(context.Context) error { return nil }
func (s *mockStateStore) Close() error               { return nil }

func (s *mockStateStore) GetWatchedScriptHashes(_ context.Context, role Role) ([]WatchedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WatchedAddress(nil), s.watched[role]...), nil
}

func (s *mockStateStore) AddWatchedScriptHashes(_ context.Context, role Role, list []WatchedAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched[role] = append([]WatchedAddress(nil), list...)
	return nil
}

func (s *mockStateStore) GetSyncState(_ context.Context, role Role) (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.syncStates[role]; ok {
		copied := *st
		return &copied, nil
	}
	return nil, nil
}

func (s *mockStateStore) SetSyncState(_ context.Context, state *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.syncStates[state.Role] = &copied
	return nil
}

func (s *mockStateStore) ResetSyncState(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStates = make(map[Role]*SyncState)
	s.watched = make(map[Role][]WatchedAddress)
	return nil
}

func (s *mockStateStore) GetTotalBalance(context.Context) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == nil {
		return nil, nil
	}
	copied := *s.total
	return &copied, nil
}

func (s *mockStateStore) SetTotalBalance(_ context.Context, total *Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *total
	s.total = &copied
	s.setTotalCalls++
	return nil
}

func (s *mockStateStore) persistedState(role Role) *SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncStates[role]
}
