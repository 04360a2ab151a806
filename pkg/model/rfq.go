package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultQuoteWindow is how long a freshly built quote stays valid.
const DefaultQuoteWindow = 30 * time.Second

// Request is an inbound RFQ broadcast to makers on a channel.
type Request struct {
	Asset     string `json:"asset"`
	AssetName string `json:"assetName"`
	ChainID   int64  `json:"chainId"`
	Expiry    int64  `json:"expiry"`
	IsPut     bool   `json:"isPut"`
	Quantity  string `json:"quantity"`
	Strike    string `json:"strike"`
	Taker     string `json:"taker"`
}

// Quote is a maker's response to a Request.
// Signature, USD and CollateralAsset are only present in signed protocol revisions.
type Quote struct {
	AssetAddress    string `json:"assetAddress"`
	ChainID         int64  `json:"chainId"`
	Expiry          int64  `json:"expiry"`
	IsPut           bool   `json:"isPut"`
	IsTakerBuy      bool   `json:"isTakerBuy"`
	Maker           string `json:"maker"`
	Nonce           string `json:"nonce"`
	Price           string `json:"price"`
	Quantity        string `json:"quantity"`
	Strike          string `json:"strike"`
	ValidUntil      int64  `json:"validUntil"`
	Signature       string `json:"signature,omitempty"`
	USD             string `json:"usd,omitempty"`
	CollateralAsset string `json:"collateralAsset,omitempty"`
}

// Expired reports whether the quote's validity deadline has passed at now.
func (q Quote) Expired(now time.Time) bool {
	return now.Unix() >= q.ValidUntil
}

// Transfer is a deposit or withdrawal instruction.
type Transfer struct {
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	ChainID   int64  `json:"chain_id"`
	IsDeposit bool   `json:"is_deposit"`
	Nonce     string `json:"nonce"`
	User      string `json:"user,omitempty"`
}

// QuoteNotification reports the standing of a submitted quote against the best competing one.
type QuoteNotification struct {
	RFQID        string `json:"rfqId"`
	AssetAddress string `json:"assetAddress"`
	ChainID      int64  `json:"chainId"`
	NewBest      string `json:"newBest"`
	Yours        string `json:"yours"`
}

// Outbid reports whether a competing quote beat ours.
func (n QuoteNotification) Outbid() bool {
	best, err := decimal.NewFromString(n.NewBest)
	if err != nil {
		return false
	}
	yours, err := decimal.NewFromString(n.Yours)
	if err != nil {
		return false
	}
	return !best.Equal(yours)
}

// QuoteParams carries the maker-side inputs needed to answer a Request.
type QuoteParams struct {
	Maker           string
	Nonce           string
	Price           decimal.Decimal
	IsTakerBuy      bool
	Window          time.Duration
	CollateralAsset string
}

// NewQuote derives a Quote from req. The quote is valid until now+Window and
// carries the USD notional of price*quantity.
func NewQuote(req Request, p QuoteParams, now time.Time) (Quote, error) {
	if p.Maker == "" {
		return Quote{}, fmt.Errorf("maker address is required")
	}
	if p.Nonce == "" {
		return Quote{}, fmt.Errorf("nonce is required")
	}
	if !p.Price.IsPositive() {
		return Quote{}, fmt.Errorf("price must be positive, got %s", p.Price)
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return Quote{}, fmt.Errorf("invalid request quantity %q: %w", req.Quantity, err)
	}

	window := p.Window
	if window <= 0 {
		window = DefaultQuoteWindow
	}
	validUntil := now.Add(window).Unix()
	if validUntil <= now.Unix() {
		validUntil = now.Unix() + 1
	}

	return Quote{
		AssetAddress:    req.Asset,
		ChainID:         req.ChainID,
		Expiry:          req.Expiry,
		IsPut:           req.IsPut,
		IsTakerBuy:      p.IsTakerBuy,
		Maker:           p.Maker,
		Nonce:           p.Nonce,
		Price:           p.Price.String(),
		Quantity:        req.Quantity,
		Strike:          req.Strike,
		ValidUntil:      validUntil,
		USD:             p.Price.Mul(qty).String(),
		CollateralAsset: p.CollateralAsset,
	}, nil
}
