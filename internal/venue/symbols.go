package venue

import (
	"encoding/json"
	"errors"
)

// SymbolMap translates between local trading pairs ("BTC-USDT") and the
// venue's symbol format ("BTCUSDT"). It is built once at startup and
// read-only afterwards, so lookups need no locking.
type SymbolMap struct {
	toVenue map[string]string
	toPair  map[string]string
}

func NewSymbolMap() *SymbolMap {
	return &SymbolMap{
		toVenue: make(map[string]string),
		toPair:  make(map[string]string),
	}
}

func (m *SymbolMap) Add(pair, symbol string) {
	m.toVenue[pair] = symbol
	m.toPair[symbol] = pair
}

func (m *SymbolMap) VenueSymbol(pair string) (string, bool) {
	s, ok := m.toVenue[pair]
	return s, ok
}

func (m *SymbolMap) TradingPair(symbol string) (string, bool) {
	p, ok := m.toPair[symbol]
	return p, ok
}

func (m *SymbolMap) Pairs() []string {
	pairs := make([]string, 0, len(m.toVenue))
	for p := range m.toVenue {
		pairs = append(pairs, p)
	}
	return pairs
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// SymbolMapFromExchangeInfo builds the map from an exchange-info response,
// keeping only pairs enabled for trading.
func SymbolMapFromExchangeInfo(body []byte) (*SymbolMap, error) {
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Symbols) == 0 {
		return nil, errors.New("exchange info contains no symbols")
	}
	m := NewSymbolMap()
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if s.BaseAsset == "" || s.QuoteAsset == "" || s.Symbol == "" {
			continue
		}
		m.Add(s.BaseAsset+"-"+s.QuoteAsset, s.Symbol)
	}
	return m, nil
}
