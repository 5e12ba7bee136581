// Package archive exports the ledger's audit trail (wallets plus their
// full transaction history) as JSONL to external destinations.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cychipo/examio-be-sub003/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version          string    `json:"version"`
	Type             string    `json:"type"`
	Timestamp        time.Time `json:"timestamp"`
	WalletCount      int       `json:"wallet_count"`
	TransactionCount int       `json:"transaction_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ExportJSONL writes every wallet and every ledger transaction from the
// store as JSONL to w. Wallets are sorted by ID; transactions keep their
// insertion order so the export replays the ledger history.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	wallets, err := s.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}
	sort.Slice(wallets, func(i, j int) bool {
		return wallets[i].ID < wallets[j].ID
	})

	txns, err := s.ListAllTransactions(ctx)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:          "1",
		Type:             "header",
		Timestamp:        time.Now().UTC(),
		WalletCount:      len(wallets),
		TransactionCount: len(txns),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, wallet := range wallets {
		if err := enc.Encode(record{Type: "wallet", Data: wallet}); err != nil {
			return fmt.Errorf("encode wallet %s: %w", wallet.ID, err)
		}
	}
	for _, t := range txns {
		if err := enc.Encode(record{Type: "transaction", Data: t}); err != nil {
			return fmt.Errorf("encode transaction %s: %w", t.ID, err)
		}
	}
	return nil
}
