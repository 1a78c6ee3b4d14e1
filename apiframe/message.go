package apiframe

import (
	"encoding/json"
	"fmt"
)

// Message is one request traveling client → server: a per-connection id, a
// target, and a method call payload.
type Message struct {
	// ID is the request id, monotonically increasing per connection.
	ID int64
	// TargetID names the RPC endpoint on the connection.
	TargetID string
	// Method is the method name to invoke.
	Method string
	// Args are the already-decoded method arguments.
	Args []interface{}
}

// Response is one reply traveling server → client, matched to its request
// by id.
type Response struct {
	// ID echoes the request id.
	ID int64
	// OK reports whether the call succeeded.
	OK bool
	// Result is the decoded result value; nil when OK is false.
	Result interface{}
	// Error carries the failure; nil when OK is true.
	Error *RemoteError
}

// wireMessage is the JSON shape of a request.
type wireMessage struct {
	ID      int64         `json:"id"`
	Target  string        `json:"target"`
	Payload []interface{} `json:"payload"`
}

// wireResponse is the JSON shape of a reply.
type wireResponse struct {
	ID     int64       `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *wireError  `json:"error,omitempty"`
}

type wireError struct {
	Name string                 `json:"name"`
	Info map[string]interface{} `json:"info,omitempty"`
}

// EncodeMessage renders a request for the wire, encoding each argument
// through the codec.
func (c *Codec) EncodeMessage(msg *Message) ([]byte, error) {
	payload := make([]interface{}, 0, len(msg.Args)+1)
	payload = append(payload, msg.Method)
	for _, arg := range msg.Args {
		encoded, err := c.Encode(arg)
		if err != nil {
			return nil, err
		}
		payload = append(payload, encoded)
	}
	return json.Marshal(wireMessage{ID: msg.ID, Target: msg.TargetID, Payload: payload})
}

// DecodeMessage parses a request off the wire.
func (c *Codec) DecodeMessage(data []byte) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	if wire.ID < 0 || wire.Target == "" || len(wire.Payload) == 0 {
		return nil, fmt.Errorf("%w: malformed message envelope", ErrBadData)
	}
	method, ok := wire.Payload[0].(string)
	if !ok || method == "" {
		return nil, fmt.Errorf("%w: payload must start with a method name", ErrBadData)
	}
	args := make([]interface{}, 0, len(wire.Payload)-1)
	for _, raw := range wire.Payload[1:] {
		decoded, err := c.Decode(raw)
		if err != nil {
			return nil, err
		}
		args = append(args, decoded)
	}
	return &Message{ID: wire.ID, TargetID: wire.Target, Method: method, Args: args}, nil
}

// EncodeResponse renders a reply for the wire.
func (c *Codec) EncodeResponse(resp *Response) ([]byte, error) {
	wire := wireResponse{ID: resp.ID, OK: resp.OK}
	if resp.OK {
		encoded, err := c.Encode(resp.Result)
		if err != nil {
			return nil, err
		}
		wire.Result = encoded
	} else if resp.Error != nil {
		info, err := c.Encode(map[string]interface{}(resp.Error.Info))
		if err != nil {
			return nil, err
		}
		infoMap, _ := info.(map[string]interface{})
		wire.Error = &wireError{Name: resp.Error.Name, Info: infoMap}
	}
	return json.Marshal(wire)
}

// DecodeResponse parses a reply off the wire.
func (c *Codec) DecodeResponse(data []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadData, err)
	}
	resp := &Response{ID: wire.ID, OK: wire.OK}
	if wire.OK {
		decoded, err := c.Decode(wire.Result)
		if err != nil {
			return nil, err
		}
		resp.Result = decoded
	} else {
		if wire.Error == nil {
			return nil, fmt.Errorf("%w: failed response without error", ErrBadData)
		}
		info, err := c.Decode(wire.Error.Info)
		if err != nil {
			return nil, err
		}
		infoMap, _ := info.(map[string]interface{})
		resp.Error = &RemoteError{Name: wire.Error.Name, Info: infoMap}
	}
	return resp, nil
}

// ResponseFor builds the reply for a request outcome, wrapping errors with
// their wire names.
func ResponseFor(id int64, result interface{}, err error) *Response {
	if err == nil {
		return &Response{ID: id, OK: true, Result: result}
	}
	return &Response{ID: id, OK: false, Error: &RemoteError{
		Name: ErrorName(err),
		Info: map[string]interface{}{"message": err.Error()},
	}}
}
