package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
)

// fakeSubgraph serves a fixed entity set, honoring the id_gt cursor and the
// first page bound the way a graph-node query layer does.
type fakeSubgraph struct {
	rows     []map[string]interface{}
	requests int
}

func (f *fakeSubgraph) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.requests++

		var req struct {
			Variables struct {
				From   uint64 `json:"from"`
				To     uint64 `json:"to"`
				LastID string `json:"lastID"`
				First  int    `json:"first"`
			} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var page []map[string]interface{}
		for _, row := range f.rows {
			id := row["id"].(string)
			block := row["blockNumber"].(uint64)
			if id <= req.Variables.LastID || block < req.Variables.From || block > req.Variables.To {
				continue
			}
			page = append(page, row)
			if len(page) == req.Variables.First {
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"rows": page},
		})
	}
}

func denseSubgraphRows(count int, block uint64) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, map[string]interface{}{
			"id":          fmt.Sprintf("entity-%06d", i),
			"blockNumber": block,
			"entityType":  "BridgeTransfer",
			"from":        "0xalice",
			"to":          "0xbob",
			"amount":      "100",
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["id"].(string) < rows[j]["id"].(string)
	})
	return rows
}

func TestSubgraphFetchWindowPagesDenseWindows(t *testing.T) {
	fake := &fakeSubgraph{rows: denseSubgraphRows(1200, 100)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	adapter := NewSubgraphAdapter("bridge-subgraph")
	events, err := adapter.FetchWindow(context.Background(), srv.URL, "bridgeTransfers", 100, 100, 0)
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}

	if len(events) != 1200 {
		t.Fatalf("expected all 1200 entities in the window, got %d", len(events))
	}
	if fake.requests != 2 {
		t.Fatalf("expected 2 pages for 1200 rows, got %d requests", fake.requests)
	}

	// Sub-indexes follow id order and stay unique per position.
	seen := make(map[int]struct{}, len(events))
	for _, ev := range events {
		if ev.Position != 100 {
			t.Fatalf("unexpected position %d", ev.Position)
		}
		if _, dup := seen[ev.SubIndex]; dup {
			t.Fatalf("duplicate sub-index %d", ev.SubIndex)
		}
		seen[ev.SubIndex] = struct{}{}
	}
}

func TestSubgraphFetchWindowShortPageStopsPaging(t *testing.T) {
	fake := &fakeSubgraph{rows: denseSubgraphRows(3, 100)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	adapter := NewSubgraphAdapter("bridge-subgraph")
	events, err := adapter.FetchWindow(context.Background(), srv.URL, "bridgeTransfers", 100, 110, 0)
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if fake.requests != 1 {
		t.Fatalf("expected a single request for a short page, got %d", fake.requests)
	}
}

func TestSubgraphFetchWindowFiltersRowsOutsideRange(t *testing.T) {
	rows := denseSubgraphRows(2, 100)
	rows = append(rows, map[string]interface{}{
		"id":          "entity-outside",
		"blockNumber": uint64(500),
		"entityType":  "BridgeTransfer",
	})
	fake := &fakeSubgraph{rows: rows}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	adapter := NewSubgraphAdapter("bridge-subgraph")
	events, err := adapter.FetchWindow(context.Background(), srv.URL, "bridgeTransfers", 100, 110, 0)
	if err != nil {
		t.Fatalf("FetchWindow: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected out-of-range row filtered, got %d events", len(events))
	}
}

func TestSubgraphFetchWindowRejectsStuckCursor(t *testing.T) {
	// A full page whose rows carry no usable id would otherwise loop forever;
	// the adapter must fail the window so the cursor does not advance.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := make([]map[string]interface{}, subgraphPageSize)
		for i := range page {
			page[i] = map[string]interface{}{"blockNumber": uint64(100)}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"rows": page},
		})
	}))
	defer srv.Close()

	adapter := NewSubgraphAdapter("bridge-subgraph")
	if _, err := adapter.FetchWindow(context.Background(), srv.URL, "bridgeTransfers", 100, 110, 0); err == nil {
		t.Fatalf("expected error for non-advancing page cursor")
	}
}
