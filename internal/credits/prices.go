package credits

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownAction is returned for an action tag missing from the price table.
var ErrUnknownAction = errors.New("credits: unknown action")

// PriceTable maps an action tag to the credits it costs. Prices are fixed
// server side; clients only ever name the action.
type PriceTable map[string]int64

// NewPriceTable copies prices, normalising tags to lower case.
func NewPriceTable(prices map[string]int64) (PriceTable, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("credits: empty price table")
	}
	out := make(PriceTable, len(prices))
	for action, price := range prices {
		tag := strings.ToLower(strings.TrimSpace(action))
		if tag == "" {
			return nil, fmt.Errorf("credits: empty action tag")
		}
		if price <= 0 {
			return nil, fmt.Errorf("credits: action %q: price must be positive", tag)
		}
		out[tag] = price
	}
	return out, nil
}

// Price returns the cost of action.
func (p PriceTable) Price(action string) (int64, error) {
	price, ok := p[strings.ToLower(strings.TrimSpace(action))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return price, nil
}

// Actions lists the known tags in sorted order.
func (p PriceTable) Actions() []string {
	out := make([]string, 0, len(p))
	for action := range p {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}
