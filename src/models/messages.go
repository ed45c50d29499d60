package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Streaming port
// -----------------------------------------------------------------------------

type StreamRequestType string

const (
	StreamRegister    StreamRequestType = "register_streamer"
	StreamSubscribe   StreamRequestType = "subscribe"
	StreamUnsubscribe StreamRequestType = "unsubscribe"
)

// RegisterStreamer must be the first frame of a streaming connection.
type RegisterStreamer struct {
	Port             uint16 `json:"port"`
	FlushSeconds     uint64 `json:"flush_seconds"`
	FlushSubsecNanos uint32 `json:"flush_subsec_nanos"`
}

func NewRegisterStreamer(port uint16, flush time.Duration) RegisterStreamer {
	return RegisterStreamer{
		Port:             port,
		FlushSeconds:     uint64(flush / time.Second),
		FlushSubsecNanos: uint32(flush % time.Second),
	}
}

func (r RegisterStreamer) FlushInterval() time.Duration {
	return time.Duration(r.FlushSeconds)*time.Second + time.Duration(r.FlushSubsecNanos)
}

type StreamRequest struct {
	Type         StreamRequestType `json:"type"`
	Register     *RegisterStreamer `json:"register,omitempty"`
	Subscription *DataSubscription `json:"subscription,omitempty"`
}

func NewRegisterRequest(r RegisterStreamer) StreamRequest {
	return StreamRequest{Type: StreamRegister, Register: &r}
}

func NewSubscribeRequest(sub DataSubscription) StreamRequest {
	return StreamRequest{Type: StreamSubscribe, Subscription: &sub}
}

func NewUnsubscribeRequest(sub DataSubscription) StreamRequest {
	return StreamRequest{Type: StreamUnsubscribe, Subscription: &sub}
}

// -----------------------------------------------------------------------------
// Registry port
// -----------------------------------------------------------------------------

type RequestKind string

const (
	RequestSymbolsVendor   RequestKind = "symbols_vendor"
	RequestSymbolInfo      RequestKind = "symbol_info"
	RequestAccountInfo     RequestKind = "account_info"
	RequestAccounts        RequestKind = "accounts"
	RequestCommissionInfo  RequestKind = "commission_info"
	RequestMarginRequired  RequestKind = "margin_required"
	RequestTickSize        RequestKind = "tick_size"
	RequestDecimalAccuracy RequestKind = "decimal_accuracy"
	RequestExchangeRate    RequestKind = "exchange_rate"
	RequestHistoricalRange RequestKind = "historical_base_data_range"
	RequestHeartbeat       RequestKind = "heartbeat"

	ResponseError RequestKind = "error"
)

// DataServerRequest carries a callback id stamped by the dispatcher; which of
// the optional fields are read depends on Kind.
type DataServerRequest struct {
	CallbackID    uint64             `json:"callback_id"`
	Kind          RequestKind        `json:"kind"`
	Vendor        Vendor             `json:"vendor,omitempty"`
	Brokerage     Brokerage          `json:"brokerage,omitempty"`
	MarketType    MarketType         `json:"market_type,omitempty"`
	SymbolName    string             `json:"symbol_name,omitempty"`
	AccountID     string             `json:"account_id,omitempty"`
	Quantity      decimal.Decimal    `json:"quantity"`
	Side          TradeSide          `json:"side,omitempty"`
	FromCurrency  string             `json:"from_currency,omitempty"`
	ToCurrency    string             `json:"to_currency,omitempty"`
	Subscriptions []DataSubscription `json:"subscriptions,omitempty"`
	From          time.Time          `json:"from"`
	To            time.Time          `json:"to"`
}

// ConnectionType picks the upstream a request is routed through.
func (r DataServerRequest) ConnectionType() ConnectionType {
	switch {
	case r.Brokerage != "":
		return BrokerConnection(r.Brokerage)
	case r.Vendor != "":
		return VendorConnection(r.Vendor)
	case len(r.Subscriptions) > 0:
		return VendorConnection(r.Subscriptions[0].Symbol.Vendor)
	}
	return DefaultConnection()
}

type SymbolInfo struct {
	Symbol          Symbol          `json:"symbol"`
	PnlCurrency     string          `json:"pnl_currency"`
	ValuePerTick    decimal.Decimal `json:"value_per_tick"`
	TickSize        decimal.Decimal `json:"tick_size"`
	DecimalAccuracy uint32          `json:"decimal_accuracy"`
}

type AccountInfo struct {
	Brokerage     Brokerage       `json:"brokerage"`
	AccountID     string          `json:"account_id"`
	Currency      string          `json:"currency"`
	CashValue     decimal.Decimal `json:"cash_value"`
	CashAvailable decimal.Decimal `json:"cash_available"`
	CashUsed      decimal.Decimal `json:"cash_used"`
	Leverage      uint32          `json:"leverage"`
}

type CommissionInfo struct {
	SymbolName string          `json:"symbol_name"`
	PerSide    decimal.Decimal `json:"per_side"`
	Currency   string          `json:"currency"`
}

type DataServerResponse struct {
	CallbackID      uint64          `json:"callback_id"`
	Kind            RequestKind     `json:"kind"`
	Error           string          `json:"error,omitempty"`
	Symbols         []Symbol        `json:"symbols,omitempty"`
	SymbolInfo      *SymbolInfo     `json:"symbol_info,omitempty"`
	AccountInfo     *AccountInfo    `json:"account_info,omitempty"`
	Accounts        []string        `json:"accounts,omitempty"`
	CommissionInfo  *CommissionInfo `json:"commission_info,omitempty"`
	Value           decimal.Decimal `json:"value"`
	DecimalAccuracy uint32          `json:"decimal_accuracy,omitempty"`
	Data            []BaseData      `json:"data,omitempty"`
}

func NewErrorResponse(callbackID uint64, err error) DataServerResponse {
	return DataServerResponse{CallbackID: callbackID, Kind: ResponseError, Error: err.Error()}
}

func (r DataServerResponse) IsError() bool {
	return r.Kind == ResponseError
}

// -----------------------------------------------------------------------------
// Routing
// -----------------------------------------------------------------------------

type ConnectionKind string

const (
	ConnectionDefault ConnectionKind = "default"
	ConnectionVendor  ConnectionKind = "vendor"
	ConnectionBroker  ConnectionKind = "broker"
)

type ConnectionType struct {
	Kind      ConnectionKind
	Vendor    Vendor
	Brokerage Brokerage
}

func DefaultConnection() ConnectionType {
	return ConnectionType{Kind: ConnectionDefault}
}

func VendorConnection(v Vendor) ConnectionType {
	return ConnectionType{Kind: ConnectionVendor, Vendor: v}
}

func BrokerConnection(b Brokerage) ConnectionType {
	return ConnectionType{Kind: ConnectionBroker, Brokerage: b}
}

func (c ConnectionType) String() string {
	switch c.Kind {
	case ConnectionVendor:
		return "vendor:" + string(c.Vendor)
	case ConnectionBroker:
		return "broker:" + string(c.Brokerage)
	}
	return string(ConnectionDefault)
}

// ParseConnectionType reverses String.
func ParseConnectionType(s string) (ConnectionType, error) {
	if s == string(ConnectionDefault) {
		return DefaultConnection(), nil
	}
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return ConnectionType{}, fmt.Errorf("invalid connection type %q", s)
	}
	switch ConnectionKind(kind) {
	case ConnectionVendor:
		return VendorConnection(Vendor(name)), nil
	case ConnectionBroker:
		return BrokerConnection(Brokerage(name)), nil
	}
	return ConnectionType{}, fmt.Errorf("invalid connection kind %q", kind)
}
