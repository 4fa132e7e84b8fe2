// Package memstore provides the reference in-memory UTXO store. The
// selection policy stays pluggable: callers name a strategy per call.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/meridianwallet/chaind/internal/wallet"
	"github.com/meridianwallet/chaind/pkg/errors"
)

// UtxoStore implements wallet.UtxoStore in memory.
type UtxoStore struct {
	mu      sync.Mutex
	unspent map[string]*wallet.Utxo
	spent   map[string]struct{}
	locked  map[string]struct{}
}

var _ wallet.UtxoStore = (*UtxoStore)(nil)

// New creates an empty UTXO store.
func New() *UtxoStore {
	return &UtxoStore{
		unspent: make(map[string]*wallet.Utxo),
		spent:   make(map[string]struct{}),
		locked:  make(map[string]struct{}),
	}
}

func (s *UtxoStore) Init(context.Context) error { return nil }

func (s *UtxoStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unspent = nil
	s.spent = nil
	s.locked = nil
	return nil
}

// Add records a folded point. DirectionIn inserts the output as unspent;
// DirectionOut marks the outpoint spent. Both tolerate re-folds of the
// same point.
func (s *UtxoStore) Add(_ context.Context, utxo *wallet.Utxo, direction wallet.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	point := utxo.Outpoint()
	switch direction {
	case wallet.DirectionIn:
		if _, gone := s.spent[point]; !gone {
			s.unspent[point] = utxo
		}
	case wallet.DirectionOut:
		s.spent[point] = struct{}{}
		delete(s.unspent, point)
		delete(s.locked, point)
	default:
		return errors.New(errors.ErrorTypeValidation, "utxo_add", "unknown direction").
			WithContext("direction", string(direction))
	}
	return nil
}

// Unlock releases the outputs reserved by a selection.
func (s *UtxoStore) Unlock(_ context.Context, state *wallet.LockState) error {
	if state == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range state.Utxos {
		delete(s.locked, u.Outpoint())
	}
	return nil
}

// UtxoForAmount selects unlocked outputs covering the amount, locking
// them until spent or unlocked. Selection order follows the strategy:
// smallest-first consolidates dust, largest-first minimizes input count.
func (s *UtxoStore) UtxoForAmount(_ context.Context, amount btcutil.Amount, strategy wallet.SelectionStrategy) (*wallet.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*wallet.Utxo, 0, len(s.unspent))
	for point, u := range s.unspent {
		if _, isLocked := s.locked[point]; isLocked {
			continue
		}
		candidates = append(candidates, u)
	}

	switch strategy {
	case wallet.SelectSmallestFirst:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Value < candidates[j].Value })
	case wallet.SelectLargestFirst:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Value > candidates[j].Value })
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "utxo_select", "unknown strategy").
			WithContext("strategy", string(strategy))
	}

	state := &wallet.LockState{}
	for _, u := range candidates {
		state.Utxos = append(state.Utxos, u)
		state.Total += u.Value
		if state.Total >= amount {
			break
		}
	}
	if state.Total < amount {
		return nil, errors.New(errors.ErrorTypeState, "utxo_select", "insufficient funds").
			WithContext("requested", amount.String()).
			WithContext("available", state.Total.String())
	}

	for _, u := range state.Utxos {
		s.locked[u.Outpoint()] = struct{}{}
	}
	return state, nil
}

// Process drops spent markers whose outputs were never observed unspent,
// keeping the working set bounded across scans.
func (s *UtxoStore) Process(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for point := range s.spent {
		if _, still := s.unspent[point]; still {
			delete(s.unspent, point)
		}
	}
	return nil
}

// Balance sums the unspent, unlocked outputs.
func (s *UtxoStore) Balance() btcutil.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total btcutil.Amount
	for point, u := range s.unspent {
		if _, isLocked := s.locked[point]; isLocked {
			continue
		}
		total += u.Value
	}
	return total
}

// Len reports the number of tracked unspent outputs.
func (s *UtxoStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unspent)
}

// String summarizes the store for logs.
func (s *UtxoStore) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("utxos=%d locked=%d spent=%d", len(s.unspent), len(s.locked), len(s.spent))
}
