// Package oracle implements a WebSocket client for the price oracle feed.
package oracle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/kweston/loopvault/internal/domain"
)

// WSCommand is a client-to-server control message.
type WSCommand struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets"`
}

// PriceMessage is one streamed tick from the oracle feed. Price is USD per
// whole token at WAD precision, carried as a decimal string.
type PriceMessage struct {
	Type     string `json:"type"`
	AssetID  string `json:"asset_id"`
	Price    string `json:"price"`
	Decimals uint8  `json:"decimals"`
	Ts       string `json:"ts"`
}

// ToDomain converts a wire tick into a domain price update. A missing or
// malformed timestamp falls back to the receive time.
func (m *PriceMessage) ToDomain() (domain.PriceUpdate, error) {
	price, ok := new(big.Int).SetString(m.Price, 10)
	if !ok || price.Sign() <= 0 {
		return domain.PriceUpdate{}, fmt.Errorf("oracle: price %q for %s: %w", m.Price, m.AssetID, domain.ErrInvalidPrice)
	}

	ts := time.Now()
	if m.Ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, m.Ts); err == nil {
			ts = t
		}
	}

	return domain.PriceUpdate{
		AssetID:  m.AssetID,
		Price:    price,
		Decimals: m.Decimals,
		Ts:       ts,
	}, nil
}
