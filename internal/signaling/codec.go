package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols. Clients that offer none get JSON.
const (
	SubprotocolJSON    = "kiosk-signal.v1+json"
	SubprotocolMsgpack = "kiosk-signal.v1+msgpack"
)

// Codec maps Events to WebSocket frames.
type Codec interface {
	Subprotocol() string
	// FrameType is websocket.TextMessage or websocket.BinaryMessage.
	FrameType() int
	Encode(Event) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// Envelope is a frame whose event name is known but whose data has not been
// decoded yet.
type Envelope struct {
	Name string

	data   []byte
	decode func(data []byte, v any) error
}

// Decode strictly decodes the event data into v, rejecting unknown fields. A
// missing data member decodes as an empty object.
func (e Envelope) Decode(v any) error {
	if len(e.data) == 0 || e.decode == nil {
		return nil
	}
	if err := e.decode(e.data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidEvent, e.Name, err)
	}
	return nil
}

// CodecForSubprotocol returns the codec negotiated for proto. Unknown or empty
// values select JSON.
func CodecForSubprotocol(proto string) Codec {
	if proto == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// Subprotocols lists the subprotocols the server accepts, in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

type JSONCodec struct{}

type jsonEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type jsonOutEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) FrameType() int      { return websocket.TextMessage }

func (JSONCodec) Encode(ev Event) ([]byte, error) {
	return json.Marshal(jsonOutEnvelope{Event: ev.Name, Data: ev.Data})
}

func (JSONCodec) Decode(b []byte) (Envelope, error) {
	var env jsonEnvelope
	if err := strictJSON(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	}
	data := []byte(env.Data)
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = nil
	}
	return Envelope{Name: env.Event, data: data, decode: strictJSON}, nil
}

func strictJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("trailing data after json value")
	}
	return nil
}

// MsgpackCodec carries the same envelope in binary frames. Struct fields use
// their json tags so both codecs share one set of payload types.
type MsgpackCodec struct{}

type msgpackEnvelope struct {
	Event string             `json:"event"`
	Data  msgpack.RawMessage `json:"data,omitempty"`
}

func (MsgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (MsgpackCodec) FrameType() int      { return websocket.BinaryMessage }

func (MsgpackCodec) Encode(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(jsonOutEnvelope{Event: ev.Name, Data: ev.Data}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(b []byte) (Envelope, error) {
	var env msgpackEnvelope
	if err := strictMsgpack(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	}
	data := []byte(env.Data)
	if len(data) == 1 && data[0] == 0xc0 { // msgpack nil
		data = nil
	}
	return Envelope{Name: env.Event, data: data, decode: strictMsgpack}, nil
}

func strictMsgpack(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)
	return dec.Decode(v)
}
