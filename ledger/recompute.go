package ledger

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// SortChronologically orders transactions by (CreatedAt, ID) ascending.
// The ID breaks ties between entries written in the same instant, so the
// replay order is deterministic.
func SortChronologically(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}

// Replay walks txs in chronological order starting from zero and returns the
// final balance together with the rows whose snapshots are stale. txs is
// sorted in place and each stale row is updated with its correct snapshots.
func Replay(txs []Transaction) (Money, []Transaction) {
	SortChronologically(txs)

	running := Money{}
	var stale []Transaction
	for i := range txs {
		before := running
		running = txs[i].Apply(running)
		if !txs[i].BalanceBefore.Equal(before) || !txs[i].BalanceAfter.Equal(running) {
			txs[i].BalanceBefore = before
			txs[i].BalanceAfter = running
			stale = append(stale, txs[i])
		}
	}
	return running, stale
}

// Recalculate replays the whole log and makes every snapshot and the balance
// row agree with it. It runs as one exclusive unit of work.
func (s *Service) Recalculate(ctx context.Context) error {
	return s.store.WithTx(ctx, func(st Store) error {
		return s.recalculate(ctx, st)
	})
}

func (s *Service) recalculate(ctx context.Context, st Store) error {
	txs, err := st.ListTransactions(ctx, TransactionFilter{})
	if err != nil {
		return &RecomputationError{Stage: "load transactions", Err: err}
	}

	balance, err := s.loadOrCreate(ctx, st)
	if err != nil {
		return &RecomputationError{Stage: "load balance", Err: err}
	}

	final, stale := Replay(txs)
	for _, tx := range stale {
		if err := st.UpdateSnapshots(ctx, tx.ID, tx.BalanceBefore, tx.BalanceAfter); err != nil {
			return &RecomputationError{Stage: "rewrite snapshots", Err: err}
		}
	}

	previous := balance.CurrentBalance
	balance.CurrentBalance = final
	if _, err := st.SaveBalance(ctx, balance); err != nil {
		return &RecomputationError{Stage: "save balance", Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"transactions": len(txs),
		"rewritten":    len(stale),
		"previous":     previous.StringFixed(2),
		"final":        final.StringFixed(2),
	}).Info("balance recalculated from transaction log")
	return nil
}
