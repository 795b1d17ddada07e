package rosbridge

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Format is the encoding of a message body as it came off the wire.
type Format uint8

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "json"
}

// cborDec decodes untyped maps as map[string]any so CBOR bodies look the
// same as JSON bodies to code that decodes into interfaces.
var cborDec cbor.DecMode

func init() {
	var err error
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rosbridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// Message is one delivered topic sample or service reply body. Data is
// still encoded; call Decode to unmarshal it. Struct fields are matched by
// their json tags in both formats.
type Message struct {
	Topic  string
	Format Format
	Data   []byte
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("decode %s: empty body", m.Topic)
	}
	var err error
	switch m.Format {
	case FormatCBOR:
		err = cborDec.Unmarshal(m.Data, v)
	default:
		err = json.Unmarshal(m.Data, v)
	}
	if err != nil {
		return fmt.Errorf("decode %s (%s): %w", m.Topic, m.Format, err)
	}
	return nil
}

// Outbound operations.

type opAdvertise struct {
	Op    string `json:"op"`
	ID    string `json:"id,omitempty"`
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

type opPublish struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Msg   any    `json:"msg"`
}

type opSubscribe struct {
	Op           string `json:"op"`
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	Type         string `json:"type,omitempty"`
	ThrottleRate int    `json:"throttle_rate,omitempty"`
	QueueLength  int    `json:"queue_length,omitempty"`
	Compression  string `json:"compression,omitempty"`
}

type opUnsubscribe struct {
	Op    string `json:"op"`
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type opCallService struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Service string `json:"service"`
	Type    string `json:"type,omitempty"`
	Args    any    `json:"args"`
}

// Inbound envelopes. The shape is the same in both encodings; only the
// raw body type differs.

type jsonEnvelope struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Service string          `json:"service"`
	Msg     json.RawMessage `json:"msg"`
	Values  json.RawMessage `json:"values"`
	Result  *bool           `json:"result"`
	Level   string          `json:"level"`
}

type cborEnvelope struct {
	Op      string          `cbor:"op"`
	ID      string          `cbor:"id"`
	Topic   string          `cbor:"topic"`
	Service string          `cbor:"service"`
	Msg     cbor.RawMessage `cbor:"msg"`
	Values  cbor.RawMessage `cbor:"values"`
	Result  *bool           `cbor:"result"`
	Level   string          `cbor:"level"`
}

// inbound is the decoded envelope in format-neutral form.
type inbound struct {
	op      string
	id      string
	topic   string
	service string
	msg     Message
	values  Message
	result  bool
	level   string
}

func parseText(data []byte) (inbound, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return inbound{}, err
	}
	in := inbound{
		op:      env.Op,
		id:      env.ID,
		topic:   env.Topic,
		service: env.Service,
		level:   env.Level,
		result:  env.Result == nil || *env.Result,
		msg:     Message{Topic: env.Topic, Format: FormatJSON, Data: env.Msg},
		values:  Message{Topic: env.Service, Format: FormatJSON, Data: env.Values},
	}
	return in, nil
}

func parseBinary(data []byte) (inbound, error) {
	var env cborEnvelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return inbound{}, err
	}
	in := inbound{
		op:      env.Op,
		id:      env.ID,
		topic:   env.Topic,
		service: env.Service,
		level:   env.Level,
		result:  env.Result == nil || *env.Result,
		msg:     Message{Topic: env.Topic, Format: FormatCBOR, Data: env.Msg},
		values:  Message{Topic: env.Service, Format: FormatCBOR, Data: env.Values},
	}
	return in, nil
}

// text returns the body as a string for status/error logging.
func (m Message) text() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := m.Decode(&s); err == nil {
		return s
	}
	return string(m.Data)
}
