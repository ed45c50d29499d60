package models

import (
	"cmp"
	"fmt"
	"strings"
)

// MarketType classifies the instrument family a symbol belongs to.
type MarketType string

const (
	MarketForex        MarketType = "forex"
	MarketCFD          MarketType = "cfd"
	MarketFutures      MarketType = "futures"
	MarketCrypto       MarketType = "crypto"
	MarketEquities     MarketType = "equities"
	MarketFundamentals MarketType = "fundamentals"
)

// Vendor identifies a market-data integration.
type Vendor string

const (
	VendorSimulated Vendor = "simulated"
	VendorBitget    Vendor = "bitget"
	VendorRithmic   Vendor = "rithmic"
	VendorOanda     Vendor = "oanda"
	VendorDataBento Vendor = "databento"
	VendorFred      Vendor = "fred"
)

// Brokerage identifies an account-holding integration.
type Brokerage string

const (
	BrokerageSimulated Brokerage = "simulated"
	BrokerageBitget    Brokerage = "bitget"
	BrokerageRithmic   Brokerage = "rithmic"
	BrokerageOanda     Brokerage = "oanda"
)

// -----------------------------------------------------------------------------

// Symbol is an immutable value identity usable as a map key.
type Symbol struct {
	Name       string     `json:"name" yaml:"name"`
	MarketType MarketType `json:"market_type" yaml:"market_type"`
	Vendor     Vendor     `json:"vendor" yaml:"vendor"`
}

// -----------------------------------------------------------------------------

func NewSymbol(name string, market MarketType, vendor Vendor) Symbol {
	return Symbol{Name: name, MarketType: market, Vendor: vendor}
}

// -----------------------------------------------------------------------------

// Compare orders symbols by vendor, market type and name.
func (s Symbol) Compare(o Symbol) int {
	if c := cmp.Compare(s.Vendor, o.Vendor); c != 0 {
		return c
	}
	if c := cmp.Compare(s.MarketType, o.MarketType); c != 0 {
		return c
	}
	return cmp.Compare(s.Name, o.Name)
}

// -----------------------------------------------------------------------------

func (s Symbol) String() string {
	return fmt.Sprintf("%s:%s:%s", s.Vendor, s.MarketType, s.Name)
}

// -----------------------------------------------------------------------------

// ParseSymbol reverses String.
func ParseSymbol(s string) (Symbol, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return Symbol{}, fmt.Errorf("invalid symbol %q, expected vendor:market:name", s)
	}
	return Symbol{Vendor: Vendor(parts[0]), MarketType: MarketType(parts[1]), Name: parts[2]}, nil
}
