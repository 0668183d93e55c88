package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/signalbridge/engine"
)

// payload is the inbound webhook body. Price and Amount arrive as
// either JSON strings or bare numbers depending on the alerting source,
// so they are kept raw and parsed explicitly.
type payload struct {
	Symbol string          `json:"symbol"`
	Action string          `json:"action"`
	User   string          `json:"user"`
	Price  json.RawMessage `json:"price"`
	Amount json.RawMessage `json:"amount"`
}

// closeAliases are the action spellings the alerting sources use for
// "flatten this position". All normalize to ActionClose.
var closeAliases = map[string]bool{
	"close":               true,
	"close long":          true,
	"close short":         true,
	"trailing exit long":  true,
	"trailing exit short": true,
}

// parseSignal validates the raw body and produces a canonical signal.
// Any error here is a rejection: the execution engine never sees the
// request.
func parseSignal(body []byte) (engine.Signal, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return engine.Signal{}, fmt.Errorf("malformed JSON body")
	}

	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		return engine.Signal{}, err
	}

	action, err := normalizeAction(p.Action)
	if err != nil {
		return engine.Signal{}, err
	}

	sig := engine.Signal{
		Symbol: symbol,
		Action: action,
		Source: p.User,
	}

	if len(p.Price) > 0 {
		price, err := parseDecimalField(p.Price)
		if err != nil || price.IsNegative() {
			return engine.Signal{}, fmt.Errorf("price must be a non-negative decimal")
		}
		sig.Price = price
	}

	if len(p.Amount) > 0 {
		amount, err := parseDecimalField(p.Amount)
		if err != nil || !amount.IsPositive() {
			return engine.Signal{}, fmt.Errorf("amount must be a positive decimal")
		}
		sig.Notional = amount
	}

	return sig, nil
}

// normalizeSymbol strips pair separators (BTC/USD -> BTCUSD), uppercases,
// and requires a non-empty alphanumeric ticker.
func normalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "/", ""))
	if s == "" {
		return "", fmt.Errorf("symbol is required")
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("symbol must be alphanumeric")
		}
	}
	return s, nil
}

func normalizeAction(raw string) (engine.Action, error) {
	a := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case a == "":
		return "", fmt.Errorf("action is required")
	case a == "buy":
		return engine.ActionBuy, nil
	case a == "sell":
		return engine.ActionSell, nil
	case closeAliases[a]:
		return engine.ActionClose, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// parseDecimalField accepts both "123.45" and 123.45.
func parseDecimalField(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "null" || s == `""` {
		return decimal.Zero, nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}
