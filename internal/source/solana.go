package source

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chainwatch/pkg/models"
)

// SolanaAdapter polls a slot-based smart-contract chain. Subscriptions are
// account addresses; windows are slot ranges fetched block by block.
type SolanaAdapter struct {
	name   string
	client *http.Client
}

// NewSolanaAdapter creates an adapter for one Solana-style source.
func NewSolanaAdapter(name string) *SolanaAdapter {
	return &SolanaAdapter{
		name:   name,
		client: &http.Client{},
	}
}

// Name returns the configured source name.
func (a *SolanaAdapter) Name() string { return a.name }

// Kind returns the source family.
func (a *SolanaAdapter) Kind() models.SourceKind { return models.SourceSolana }

// Ping checks liveness via getSlot.
func (a *SolanaAdapter) Ping(ctx context.Context, endpoint string, timeout time.Duration) error {
	var slot uint64
	return callRPC(ctx, a.client, endpoint, "getSlot", nil, timeout, &slot)
}

// HeadPosition returns the current slot.
func (a *SolanaAdapter) HeadPosition(ctx context.Context, endpoint string, timeout time.Duration) (uint64, error) {
	var slot uint64
	if err := callRPC(ctx, a.client, endpoint, "getSlot", nil, timeout, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

type solanaBlock struct {
	BlockTime    *int64              `json:"blockTime"`
	Transactions []solanaTransaction `json:"transactions"`
}

type solanaTransaction struct {
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err          interface{} `json:"err"`
		PreBalances  []uint64    `json:"preBalances"`
		PostBalances []uint64    `json:"postBalances"`
	} `json:"meta"`
}

// FetchWindow fetches each slot's block and keeps transactions touching the
// subscribed account. Skipped slots (no block produced) are not an error.
func (a *SolanaAdapter) FetchWindow(ctx context.Context, endpoint, subscription string, from, to uint64, timeout time.Duration) ([]models.RawEvent, error) {
	var events []models.RawEvent
	for slot := from; slot <= to; slot++ {
		var block *solanaBlock
		params := []interface{}{slot, map[string]interface{}{
			"encoding":                       "json",
			"transactionDetails":             "full",
			"maxSupportedTransactionVersion": 0,
		}}
		if err := callRPC(ctx, a.client, endpoint, "getBlock", params, timeout, &block); err != nil {
			if isSkippedSlot(err) {
				continue
			}
			return nil, err
		}
		if block == nil {
			continue
		}

		observed := time.Now().UTC()
		if block.BlockTime != nil {
			observed = time.Unix(*block.BlockTime, 0).UTC()
		}

		// Sub-index is per slot so identities survive window re-splits.
		slotIdx := 0
		for _, tx := range block.Transactions {
			idx := accountIndex(tx.Transaction.Message.AccountKeys, subscription)
			if idx < 0 {
				continue
			}
			if tx.Meta != nil && tx.Meta.Err != nil {
				continue
			}
			signature := ""
			if len(tx.Transaction.Signatures) > 0 {
				signature = tx.Transaction.Signatures[0]
			}

			var delta int64
			if tx.Meta != nil && idx < len(tx.Meta.PreBalances) && idx < len(tx.Meta.PostBalances) {
				delta = int64(tx.Meta.PostBalances[idx]) - int64(tx.Meta.PreBalances[idx])
			}

			events = append(events, models.RawEvent{
				Source:       a.name,
				Kind:         models.SourceSolana,
				Subscription: subscription,
				Position:     slot,
				SubIndex:     slotIdx,
				ObservedAt:   observed,
				Payload: map[string]interface{}{
					"signature":     signature,
					"slot":          slot,
					"account":       subscription,
					"account_keys":  tx.Transaction.Message.AccountKeys,
					"lamport_delta": delta,
				},
			})
			slotIdx++
		}
	}
	return events, nil
}

func accountIndex(keys []string, account string) int {
	for i, k := range keys {
		if k == account {
			return i
		}
	}
	return -1
}

// isSkippedSlot matches the RPC errors Solana nodes return for slots without
// a confirmed block (-32007, -32009).
func isSkippedSlot(err error) bool {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == -32007 || rpcErr.Code == -32009
}
