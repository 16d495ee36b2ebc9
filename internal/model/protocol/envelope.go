package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zhouzirui/memorial-call/backend/pkg/apperr"
)

const inboundSchemaURL = "https://memorial-call.local/schema/inbound.v1.json"

//go:embed schema/inbound.v1.json
var inboundSchemaV1 []byte

var (
	inboundOnce   sync.Once
	inboundSchema *jsonschema.Schema
	inboundErr    error
)

func compiledInboundSchema() (*jsonschema.Schema, error) {
	inboundOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(inboundSchemaURL, bytes.NewReader(inboundSchemaV1)); err != nil {
			inboundErr = fmt.Errorf("add inbound schema: %w", err)
			return
		}
		inboundSchema, inboundErr = compiler.Compile(inboundSchemaURL)
	})
	return inboundSchema, inboundErr
}

// Inbound is a validated client frame. Fields sit next to "type" at the top
// level, so payload structs decode straight from Raw.
type Inbound struct {
	Type MessageType
	Raw  json.RawMessage
}

// ParseInbound validates one text frame. Errors carry MALFORMED_MESSAGE or
// UNKNOWN_MESSAGE_TYPE codes.
func ParseInbound(data []byte) (Inbound, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Inbound{}, apperr.Wrap(apperr.KindValidation, apperr.CodeMalformedMessage, "frame is not a JSON object with a type", err)
	}
	if probe.Type != "" && !IsInbound(probe.Type) {
		return Inbound{}, apperr.New(apperr.KindValidation, apperr.CodeUnknownMessageType, "unsupported message type: "+string(probe.Type))
	}

	schema, err := compiledInboundSchema()
	if err != nil {
		return Inbound{}, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Inbound{}, apperr.Wrap(apperr.KindValidation, apperr.CodeMalformedMessage, "frame is not valid JSON", err)
	}
	if err := schema.Validate(raw); err != nil {
		return Inbound{}, apperr.Wrap(apperr.KindValidation, apperr.CodeMalformedMessage, "frame failed validation", err)
	}
	return Inbound{Type: probe.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the frame into a payload struct.
func (in Inbound) Decode(v any) error {
	if len(in.Raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Raw, v); err != nil {
		return apperr.Wrap(apperr.KindValidation, apperr.CodeMalformedMessage, "invalid "+string(in.Type)+" payload", err)
	}
	return nil
}

// Outbound is a server frame. Fields are flattened next to type/timestamp on
// the wire.
type Outbound struct {
	Type      MessageType
	Fields    map[string]any
	Code      string
	Message   string
	Timestamp int64
}

// NewOutbound builds a frame; fields may be nil.
func NewOutbound(t MessageType, fields map[string]any) Outbound {
	return Outbound{Type: t, Fields: fields}
}

// NewError builds an ERROR frame.
func NewError(code, message string) Outbound {
	return Outbound{Type: TypeError, Code: code, Message: message}
}

// ErrorFrom maps err onto an ERROR frame with its stable code.
func ErrorFrom(err error) Outbound {
	return NewError(apperr.CodeOf(err), apperr.MessageOf(err))
}

// Field reads one flattened field.
func (o Outbound) Field(key string) any {
	if o.Fields == nil {
		return nil
	}
	return o.Fields[key]
}

// Stamped returns a copy carrying the send time in milliseconds, unless a
// timestamp is already set.
func (o Outbound) Stamped(now time.Time) Outbound {
	if o.Timestamp == 0 {
		o.Timestamp = now.UnixMilli()
	}
	return o
}

func (o Outbound) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(o.Fields)+4)
	for k, v := range o.Fields {
		flat[k] = v
	}
	flat["type"] = o.Type
	flat["timestamp"] = o.Timestamp
	if o.Code != "" {
		flat["code"] = o.Code
	}
	if o.Message != "" {
		flat["message"] = o.Message
	}
	return json.Marshal(flat)
}

func (o *Outbound) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	out := Outbound{Fields: map[string]any{}}
	for k, v := range flat {
		switch k {
		case "type":
			s, _ := v.(string)
			out.Type = MessageType(s)
		case "timestamp":
			if n, ok := v.(float64); ok {
				out.Timestamp = int64(n)
			}
		case "code":
			out.Code, _ = v.(string)
		case "message":
			out.Message, _ = v.(string)
		default:
			out.Fields[k] = v
		}
	}
	*o = out
	return nil
}
