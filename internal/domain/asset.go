package domain

import (
	"math/big"
	"time"
)

// PriceQuote is an oracle price for one asset. Price is USD per whole
// token at WAD precision; Decimals is the asset's native precision.
type PriceQuote struct {
	AssetID  string
	Price    *big.Int
	Decimals uint8
}

// PriceUpdate is one streamed oracle tick.
type PriceUpdate struct {
	AssetID  string
	Price    *big.Int
	Decimals uint8
	Ts       time.Time
}

// Quote converts a price update into the quote shape consumed by the
// valuation path.
func (u PriceUpdate) Quote() PriceQuote {
	return PriceQuote{AssetID: u.AssetID, Price: u.Price, Decimals: u.Decimals}
}
