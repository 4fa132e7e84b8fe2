package wallet

import (
	"context"
	"fmt"

	"github.com/meridianwallet/chaind/internal/chaindata"
	"github.com/meridianwallet/chaind/pkg/errors"
)

// classifyTx places a transaction in one of the three ledger states
// relative to the chain tip.
func classifyTx(txHeight, tip int64, minConfirmations int) TxState {
	if txHeight == 0 {
		return TxMempool
	}
	if tip-txHeight >= int64(minConfirmations) {
		return TxConfirmed
	}
	return TxPending
}

func seenPoint(txid string, index uint32) string {
	return fmt.Sprintf("%s:%d", txid, index)
}

// processHistory folds an address's transaction history into its ledger
// record and the aggregate total. Each output and input point is folded at
// most once: the seen-point sets make re-processing the same history a
// no-op. Every aggregate mutation is persisted immediately.
func (e *Engine) processHistory(ctx context.Context, record *AddressRecord, history []*chaindata.Transaction) error {
	e.foldMu.Lock()
	defer e.foldMu.Unlock()

	stored, err := e.addresses.Get(ctx, record.Address)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "address lookup failed").
			WithContext("address", record.Address)
	}
	if stored == nil {
		if err := e.addresses.NewAddress(ctx, record); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "address create failed").
				WithContext("address", record.Address)
		}
	} else {
		record = stored
	}
	if record.SeenOutputs == nil {
		record.SeenOutputs = make(map[string]struct{})
	}
	if record.SeenInputs == nil {
		record.SeenInputs = make(map[string]struct{})
	}

	rows := make([]StoredTx, 0, len(history))
	for _, tx := range history {
		rows = append(rows, StoredTx{Address: record.Address, TxID: tx.TxID, Height: tx.Height})
	}
	if err := e.addresses.StoreTxHistory(ctx, record.Address, rows); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "history persist failed").
			WithContext("address", record.Address)
	}

	tip, err := e.tipHeight(ctx)
	if err != nil {
		return err
	}

	for _, tx := range history {
		state := classifyTx(tx.Height, tip, e.cfg.MinConfirmations)

		for _, out := range tx.Outputs {
			if out.Address != record.Address {
				continue
			}
			point := seenPoint(tx.TxID, out.Index)
			if _, seen := record.SeenOutputs[point]; seen {
				continue
			}

			record.Balance.Out.add(state, out.Value)
			record.Balance.Fee.add(state, tx.Fee)

			e.mu.Lock()
			e.total.Out.add(state, out.Value)
			e.total.Fee.add(state, tx.Fee)
			total := *e.total
			e.mu.Unlock()
			if err := e.state.SetTotalBalance(ctx, &total); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "total balance persist failed")
			}

			utxo := &Utxo{
				TxID:    tx.TxID,
				Index:   out.Index,
				Address: record.Address,
				Value:   out.Value,
				Height:  tx.Height,
			}
			if err := e.utxos.Add(ctx, utxo, DirectionIn); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "utxo add failed").
					WithContext("outpoint", utxo.Outpoint())
			}

			record.SeenOutputs[point] = struct{}{}
		}

		for _, in := range tx.Inputs {
			if in.Coinbase || in.Address != record.Address {
				continue
			}
			point := seenPoint(in.PrevTxID, in.PrevIndex)
			if _, seen := record.SeenInputs[point]; seen {
				continue
			}

			record.Balance.In.add(state, in.Value)

			e.mu.Lock()
			e.total.In.add(state, in.Value)
			total := *e.total
			e.mu.Unlock()
			if err := e.state.SetTotalBalance(ctx, &total); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "total balance persist failed")
			}

			spent := &Utxo{
				TxID:    in.PrevTxID,
				Index:   in.PrevIndex,
				Address: record.Address,
				Value:   in.Value,
			}
			if err := e.utxos.Add(ctx, spent, DirectionOut); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "utxo spend failed").
					WithContext("outpoint", spent.Outpoint())
			}

			record.SeenInputs[point] = struct{}{}
		}
	}

	if err := e.addresses.Set(ctx, record); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "process_history", "address persist failed").
			WithContext("address", record.Address)
	}
	return nil
}
