package canonical

import (
	"strconv"
	"strings"

	"chainwatch/internal/logger"
	"chainwatch/pkg/models"
)

// erc20TransferTopic is the keccak hash of Transfer(address,address,uint256).
const erc20TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

const (
	weiPerEther    = 1e18
	lamportsPerSol = 1e9
)

// Canonicalizer maps source-shaped raw events into the unified compliance
// model. Mapping is deterministic: the same raw event always yields the same
// canonical identity.
type Canonicalizer struct {
	currencies map[string]string // source name -> currency code
}

// New creates a canonicalizer. currencies maps source names to the currency
// code attached to normalized amounts.
func New(currencies map[string]string) *Canonicalizer {
	if currencies == nil {
		currencies = make(map[string]string)
	}
	return &Canonicalizer{currencies: currencies}
}

// Canonicalize converts one raw event, or returns nil for malformed or
// unrecognized payloads. A nil result is logged and dropped; it never fails
// the window.
func (c *Canonicalizer) Canonicalize(raw *models.RawEvent) *models.ComplianceEvent {
	if raw == nil || raw.Source == "" || raw.Subscription == "" {
		return nil
	}

	var event *models.ComplianceEvent
	switch raw.Kind {
	case models.SourceEVM:
		event = c.fromEVM(raw)
	case models.SourceSolana:
		event = c.fromSolana(raw)
	case models.SourceSubgraph:
		event = c.fromSubgraph(raw)
	default:
		logger.Debugf("canonicalize: unknown source kind %q for %s", raw.Kind, raw.Source)
		return nil
	}
	if event == nil {
		return nil
	}

	event.ID = models.EventIdentity(raw.Source, raw.Subscription, raw.Position, raw.SubIndex)
	event.Source = raw.Source
	event.Subscription = raw.Subscription
	event.Position = raw.Position
	event.SubIndex = raw.SubIndex
	event.ObservedAt = raw.ObservedAt
	event.Raw = raw.Payload
	return event
}

func (c *Canonicalizer) fromEVM(raw *models.RawEvent) *models.ComplianceEvent {
	topics := getStringSlice(raw.Payload, "topics")
	if len(topics) == 0 {
		return nil
	}

	if strings.EqualFold(topics[0], erc20TransferTopic) {
		if len(topics) < 3 {
			return nil
		}
		amount, ok := parseHexAmount(getString(raw.Payload, "data"))
		if !ok {
			return nil
		}
		normalized := amount / weiPerEther
		return &models.ComplianceEvent{
			Kind:     models.KindTransfer,
			From:     topicAddress(topics[1]),
			To:       topicAddress(topics[2]),
			Amount:   &normalized,
			Currency: c.currencies[raw.Source],
		}
	}

	contract := getString(raw.Payload, "address")
	if contract == "" {
		return nil
	}
	return &models.ComplianceEvent{
		Kind: models.KindContractInteraction,
		To:   strings.ToLower(contract),
	}
}

func (c *Canonicalizer) fromSolana(raw *models.RawEvent) *models.ComplianceEvent {
	account := getString(raw.Payload, "account")
	if account == "" {
		return nil
	}
	keys := getStringSlice(raw.Payload, "account_keys")

	delta, hasDelta := getInt64(raw.Payload, "lamport_delta")
	if !hasDelta || delta == 0 {
		return &models.ComplianceEvent{
			Kind: models.KindContractInteraction,
			To:   account,
		}
	}

	counterpart := ""
	if len(keys) > 0 {
		counterpart = keys[0]
	}
	amount := float64(delta)
	if amount < 0 {
		amount = -amount
	}
	normalized := amount / lamportsPerSol

	event := &models.ComplianceEvent{
		Kind:     models.KindTransfer,
		Amount:   &normalized,
		Currency: c.currencies[raw.Source],
	}
	if delta > 0 {
		event.From = counterpart
		event.To = account
	} else {
		event.From = account
		event.To = counterpart
	}
	return event
}

func (c *Canonicalizer) fromSubgraph(raw *models.RawEvent) *models.ComplianceEvent {
	id := getString(raw.Payload, "id")
	if id == "" {
		return nil
	}

	entityType := getString(raw.Payload, "entityType")
	from := getString(raw.Payload, "from")
	to := getString(raw.Payload, "to")

	event := &models.ComplianceEvent{
		Kind: models.KindIndexEntityChange,
		From: from,
		To:   to,
	}
	switch strings.ToLower(entityType) {
	case "bridgetransfer", "crosstransfer":
		event.Kind = models.KindCrossSourceTransfer
	}

	if amount, ok := getFloat(raw.Payload, "amount"); ok {
		event.Amount = &amount
		event.Currency = c.currencies[raw.Source]
	}
	return event
}

func topicAddress(topic string) string {
	t := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "0x")
	if len(t) < 40 {
		return ""
	}
	return "0x" + t[len(t)-40:]
}

func parseHexAmount(data string) (float64, bool) {
	s := strings.TrimPrefix(strings.TrimSpace(data), "0x")
	if s == "" {
		return 0, false
	}
	// Amounts can exceed 64 bits; parse the hex digits incrementally.
	val := 0.0
	for _, r := range strings.ToLower(s) {
		d := strings.IndexRune("0123456789abcdef", r)
		if d < 0 {
			return 0, false
		}
		val = val*16 + float64(d)
	}
	return val, true
}

func getString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func getStringSlice(payload map[string]interface{}, key string) []string {
	if payload == nil {
		return nil
	}
	switch v := payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func getFloat(payload map[string]interface{}, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func getInt64(payload map[string]interface{}, key string) (int64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
