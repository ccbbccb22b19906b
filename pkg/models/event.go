package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SourceKind identifies the family of an external source.
type SourceKind string

const (
	SourceEVM      SourceKind = "evm"
	SourceSolana   SourceKind = "solana"
	SourceSubgraph SourceKind = "subgraph"
)

// EventKind classifies a canonical compliance event.
type EventKind string

const (
	KindTransfer            EventKind = "transfer"
	KindContractInteraction EventKind = "contract_interaction"
	KindCrossSourceTransfer EventKind = "cross_source_transfer"
	KindIndexEntityChange   EventKind = "index_entity_change"
)

// RawEvent is a source-shaped payload observed at a position. It is
// ephemeral: produced by a listener, consumed by the canonicalizer, never
// persisted in raw form.
type RawEvent struct {
	Source       string                 `json:"source"`
	Kind         SourceKind             `json:"kind"`
	Subscription string                 `json:"subscription"`
	Position     uint64                 `json:"position"`
	SubIndex     int                    `json:"sub_index"`
	ObservedAt   time.Time              `json:"observed_at"`
	Payload      map[string]interface{} `json:"payload"`
}

// ComplianceEvent is the pipeline's unified representation of an observed
// activity, independent of source.
type ComplianceEvent struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Subscription string    `json:"subscription"`
	Position     uint64    `json:"position"`
	SubIndex     int       `json:"sub_index"`
	Kind         EventKind `json:"event_kind"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Amount       *float64  `json:"amount,omitempty"`
	Currency     string    `json:"currency,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`

	// Raw keeps the source payload as an opaque blob for audit.
	Raw map[string]interface{} `json:"raw,omitempty"`
}

// EventIdentity derives the stable canonical identity of an event from its
// source position. Reprocessing the same raw event always yields the same
// identity.
func EventIdentity(source, subscription string, position uint64, subIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", source, subscription, position, subIndex)))
	return hex.EncodeToString(sum[:])
}

// AmountValue returns the amount or zero when unset.
func (e *ComplianceEvent) AmountValue() float64 {
	if e == nil || e.Amount == nil {
		return 0
	}
	return *e.Amount
}
