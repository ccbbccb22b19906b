package source

import (
	"context"
	"net/http"
	"time"

	"chainwatch/pkg/models"
)

// EVMAdapter polls an account-based chain over JSON-RPC. Subscriptions are
// contract or account addresses; windows are block ranges queried with
// eth_getLogs.
type EVMAdapter struct {
	name   string
	client *http.Client
}

// NewEVMAdapter creates an adapter for one EVM-style source.
func NewEVMAdapter(name string) *EVMAdapter {
	return &EVMAdapter{
		name:   name,
		client: &http.Client{},
	}
}

// Name returns the configured source name.
func (a *EVMAdapter) Name() string { return a.name }

// Kind returns the source family.
func (a *EVMAdapter) Kind() models.SourceKind { return models.SourceEVM }

// Ping checks liveness via eth_blockNumber.
func (a *EVMAdapter) Ping(ctx context.Context, endpoint string, timeout time.Duration) error {
	var head string
	return callRPC(ctx, a.client, endpoint, "eth_blockNumber", nil, timeout, &head)
}

// HeadPosition returns the current block height.
func (a *EVMAdapter) HeadPosition(ctx context.Context, endpoint string, timeout time.Duration) (uint64, error) {
	var head string
	if err := callRPC(ctx, a.client, endpoint, "eth_blockNumber", nil, timeout, &head); err != nil {
		return 0, err
	}
	return parseHexUint(head)
}

type evmLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// FetchWindow queries eth_getLogs for the subscription address over the
// block range.
func (a *EVMAdapter) FetchWindow(ctx context.Context, endpoint, subscription string, from, to uint64, timeout time.Duration) ([]models.RawEvent, error) {
	filter := map[string]interface{}{
		"fromBlock": hexUint(from),
		"toBlock":   hexUint(to),
		"address":   subscription,
	}

	var logs []evmLog
	if err := callRPC(ctx, a.client, endpoint, "eth_getLogs", []interface{}{filter}, timeout, &logs); err != nil {
		return nil, err
	}

	events := make([]models.RawEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		block, err := parseHexUint(lg.BlockNumber)
		if err != nil || block < from || block > to {
			continue
		}
		idx := 0
		if v, err := parseHexUint(lg.LogIndex); err == nil {
			idx = int(v)
		}
		events = append(events, models.RawEvent{
			Source:       a.name,
			Kind:         models.SourceEVM,
			Subscription: subscription,
			Position:     block,
			SubIndex:     idx,
			ObservedAt:   time.Now().UTC(),
			Payload: map[string]interface{}{
				"address":   lg.Address,
				"topics":    lg.Topics,
				"data":      lg.Data,
				"tx_hash":   lg.TxHash,
				"log_index": idx,
				"block":     block,
			},
		})
	}
	return events, nil
}
