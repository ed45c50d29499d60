package network

import (
	"market-feeder/src/helpers"
	"market-feeder/src/models"
	"market-feeder/src/timeslice"

	"github.com/goccy/go-json"
)

type MessageType string

const (
	MessageStreamRequest MessageType = "stream_request"
	MessageTimeSlice     MessageType = "time_slice"
	MessageRequest       MessageType = "request"
	MessageResponse      MessageType = "response"
)

// Envelope is the self-describing payload of every frame.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// -----------------------------------------------------------------------------

func Encode(t MessageType, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// -----------------------------------------------------------------------------

// Decode unpacks payload into v after checking that it carries type want.
func Decode(payload []byte, want MessageType, v any) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return helpers.NewProtocolError(helpers.ErrCodeMalformedFrame, "undecodable payload: %v", err)
	}
	if env.Type != want {
		return helpers.NewProtocolError(helpers.ErrCodeUnexpectedMessage, "expected %s message, got %q", want, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return helpers.NewProtocolError(helpers.ErrCodeMalformedFrame, "undecodable %s body: %v", want, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func EncodeStreamRequest(req models.StreamRequest) ([]byte, error) {
	return Encode(MessageStreamRequest, req)
}

func DecodeStreamRequest(payload []byte) (models.StreamRequest, error) {
	var req models.StreamRequest
	if err := Decode(payload, MessageStreamRequest, &req); err != nil {
		return req, err
	}
	switch req.Type {
	case models.StreamRegister:
		if req.Register == nil {
			return req, helpers.NewProtocolError(helpers.ErrCodeMalformedFrame, "register_streamer without body")
		}
	case models.StreamSubscribe, models.StreamUnsubscribe:
		if req.Subscription == nil {
			return req, helpers.NewProtocolError(helpers.ErrCodeMalformedFrame, "%s without subscription", req.Type)
		}
	default:
		return req, helpers.NewProtocolError(helpers.ErrCodeUnexpectedMessage, "unknown stream request %q", req.Type)
	}
	return req, nil
}

// -----------------------------------------------------------------------------

func EncodeTimeSlice(ts *timeslice.TimeSlice) ([]byte, error) {
	return Encode(MessageTimeSlice, ts)
}

func DecodeTimeSlice(payload []byte) (*timeslice.TimeSlice, error) {
	ts := timeslice.New()
	if err := Decode(payload, MessageTimeSlice, ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// -----------------------------------------------------------------------------

func EncodeRequest(req models.DataServerRequest) ([]byte, error) {
	return Encode(MessageRequest, req)
}

func DecodeRequest(payload []byte) (models.DataServerRequest, error) {
	var req models.DataServerRequest
	err := Decode(payload, MessageRequest, &req)
	return req, err
}

// -----------------------------------------------------------------------------

func EncodeResponse(resp models.DataServerResponse) ([]byte, error) {
	return Encode(MessageResponse, resp)
}

func DecodeResponse(payload []byte) (models.DataServerResponse, error) {
	var resp models.DataServerResponse
	err := Decode(payload, MessageResponse, &resp)
	return resp, err
}
