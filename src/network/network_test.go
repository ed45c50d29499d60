package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/timeslice"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramersUseTheirPrefixWidth(t *testing.T) {
	for _, f := range []Framer{StreamFramer(0), RegistryFramer(0)} {
		var buf bytes.Buffer
		require.NoError(t, f.WriteFrame(&buf, []byte("hello")))
		assert.Equal(t, f.PrefixBytes()+5, buf.Len())
		assert.Equal(t, byte(5), buf.Bytes()[f.PrefixBytes()-1], "big endian length")

		got, err := f.ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)

		_, err = f.ReadFrame(&buf)
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestReadFrameRejectsBadInput(t *testing.T) {
	f := StreamFramer(16)

	_, err := f.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeMalformedFrame))

	_, err = f.ReadFrame(bytes.NewReader([]byte{0, 0, 1, 0}))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeFrameTooLarge))

	_, err = f.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 4, 'a'}))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeReadFailed))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = f.ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.True(t, helpers.HasCode(f.WriteFrame(io.Discard, make([]byte, 17)), helpers.ErrCodeFrameTooLarge))
}

func TestStreamRequestCodec(t *testing.T) {
	sub := models.NewSubscription(models.NewSymbol("EUR-USD", models.MarketForex, models.VendorSimulated), models.Seconds(5), models.BaseDataQuoteBars, models.CandleNone)

	for _, req := range []models.StreamRequest{
		models.NewRegisterRequest(models.NewRegisterStreamer(7000, 100*time.Millisecond)),
		models.NewSubscribeRequest(sub),
		models.NewUnsubscribeRequest(sub),
	} {
		raw, err := EncodeStreamRequest(req)
		require.NoError(t, err)
		back, err := DecodeStreamRequest(raw)
		require.NoError(t, err)
		assert.Equal(t, req, back)
	}

	_, err := DecodeStreamRequest([]byte(`{"type":"stream_request","data":{"type":"subscribe"}}`))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeMalformedFrame))

	_, err = DecodeStreamRequest([]byte(`{"type":"stream_request","data":{"type":"dance"}}`))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeUnexpectedMessage))

	raw, err := EncodeRequest(models.DataServerRequest{Kind: models.RequestTickSize})
	require.NoError(t, err)
	_, err = DecodeStreamRequest(raw)
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeUnexpectedMessage))

	_, err = DecodeStreamRequest([]byte("garbage"))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeMalformedFrame))
}

func TestRequestResponseAndTimeSliceCodec(t *testing.T) {
	req := models.DataServerRequest{CallbackID: 42, Kind: models.RequestMarginRequired, Brokerage: models.BrokerageSimulated, SymbolName: "NQ", Quantity: decimal.NewFromInt(2)}
	raw, err := EncodeRequest(req)
	require.NoError(t, err)
	back, err := DecodeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, req.CallbackID, back.CallbackID)
	assert.True(t, back.Quantity.Equal(req.Quantity))

	resp := models.NewErrorResponse(42, errors.New("no such account"))
	raw, err = EncodeResponse(resp)
	require.NoError(t, err)
	gotResp, err := DecodeResponse(raw)
	require.NoError(t, err)
	assert.True(t, gotResp.IsError())
	assert.Equal(t, "no such account", gotResp.Error)

	sym := models.NewSymbol("NQ", models.MarketFutures, models.VendorSimulated)
	ts := timeslice.New()
	ts.Add(models.NewTickData(models.Tick{Symbol: sym, Price: decimal.NewFromInt(1), Time: time.Unix(10, 0)}))
	raw, err = EncodeTimeSlice(ts)
	require.NoError(t, err)
	gotTS, err := DecodeTimeSlice(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, gotTS.Len())
}

func TestRestClientRetriesAndDecodes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"00000","data":[{"symbol":"BTCUSDT"}]}`))
	}))
	defer srv.Close()

	rc := NewRestClient(srv.URL, models.MNetworkConfig{RequestTimeout: 5, MaxRetries: 2, UserAgent: "test"}, logger.Nop())
	rc.Client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	var out struct {
		Code string `json:"code"`
		Data []struct {
			Symbol string `json:"symbol"`
		} `json:"data"`
	}
	require.NoError(t, rc.GetJSON(context.Background(), "/api/v2/spot/public/symbols", map[string]string{"symbol": "BTCUSDT"}, &out))
	assert.Equal(t, "00000", out.Code)
	require.Len(t, out.Data, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRestClientSurfacesVendorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad symbol", http.StatusBadRequest)
	}))
	defer srv.Close()

	rc := NewRestClient(srv.URL, models.MNetworkConfig{RequestTimeout: 5}, logger.Nop())
	var out map[string]any
	err := rc.GetJSON(context.Background(), "/x", nil, &out)
	require.Error(t, err)
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeVendorRequest))
	assert.Contains(t, err.Error(), "400")
}
