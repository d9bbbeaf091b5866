package ingest

import (
	"context"

	"github.com/blackmichael/bbs/internal/domain"
)

// Ledger decides whether an event key still needs applying. Both calls run
// inside the materializer's transaction, so a ledger entry persists exactly
// when the domain mutation does.
type Ledger interface {
	ShouldApply(ctx context.Context, tx domain.LedgerTx, key domain.EventKey) (bool, error)

	// RecordApplied reports false when another transaction recorded the key
	// first.
	RecordApplied(ctx context.Context, tx domain.LedgerTx, e domain.DedupEntry) (bool, error)
}

// DurableLedger keeps applied keys in the store's applied_events table.
type DurableLedger struct{}

func (DurableLedger) ShouldApply(ctx context.Context, tx domain.LedgerTx, key domain.EventKey) (bool, error) {
	seen, err := tx.LedgerContains(ctx, key)
	if err != nil {
		return false, err
	}
	return !seen, nil
}

func (DurableLedger) RecordApplied(ctx context.Context, tx domain.LedgerTx, e domain.DedupEntry) (bool, error) {
	return tx.LedgerInsert(ctx, e)
}

// DisabledLedger applies every event. Revision guards alone then decide the
// outcome, which is how replays behave once ledger entries are pruned.
type DisabledLedger struct{}

func (DisabledLedger) ShouldApply(context.Context, domain.LedgerTx, domain.EventKey) (bool, error) {
	return true, nil
}

func (DisabledLedger) RecordApplied(context.Context, domain.LedgerTx, domain.DedupEntry) (bool, error) {
	return true, nil
}
