package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec errors. All are non-fatal to the stream: the offending payload is
// dropped and the next frame attempted.
var (
	ErrUnknownTag     = errors.New("message: unknown tag")
	ErrUnknownVersion = errors.New("message: unknown wire version")
	ErrTruncated      = errors.New("message: truncated")
	ErrBadValueKind   = errors.New("message: bad value kind")
	ErrBadOutcome     = errors.New("message: bad outcome")
	ErrOversize       = errors.New("message: oversize section")
)

const (
	idLen      = 16 // ULID
	fieldEntry = 10 // field id + value kind + 8 value bytes
	maxName    = 255
	maxSection = 4096 // CBOR args/detail bound, matches firmware buffer size
)

// encMode is the CBOR encoder configured with Core Deterministic Encoding:
// same logical mapping always produces identical bytes, so request encoding
// is reproducible across agent restarts.
var encMode cbor.EncMode

// decMode decodes CBOR maps into map[string]any for any-typed targets and
// ignores unknown fields for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

// Serialize encodes m into its binary wire form: type tag, wire version,
// then the variant body.
func Serialize(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Telemetry:
		return serializeTelemetry(v)
	case *Telemetry:
		return serializeTelemetry(*v)
	case CommandRequest:
		return serializeRequest(v)
	case *CommandRequest:
		return serializeRequest(*v)
	case CommandAck:
		return serializeAck(v)
	case *CommandAck:
		return serializeAck(*v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTag, m)
	}
}

func serializeTelemetry(t Telemetry) ([]byte, error) {
	if len(t.Fields) > 255 {
		return nil, fmt.Errorf("%w: %d fields", ErrOversize, len(t.Fields))
	}
	out := make([]byte, 0, 7+fieldEntry*len(t.Fields))
	out = append(out, byte(KindTelemetry), WireVersion)
	out = binary.BigEndian.AppendUint32(out, t.Seq)
	out = append(out, byte(len(t.Fields)))
	// Ascending field id keeps the encoding deterministic.
	for id := 0; id <= 0xFF; id++ {
		v, ok := t.Fields[FieldID(id)]
		if !ok {
			continue
		}
		out = append(out, byte(id), byte(v.ValKind))
		out = binary.BigEndian.AppendUint64(out, v.Bits)
	}
	return out, nil
}

func serializeRequest(r CommandRequest) ([]byte, error) {
	if len(r.Name) > maxName {
		return nil, fmt.Errorf("%w: name %d bytes", ErrOversize, len(r.Name))
	}
	args, err := marshalSection(r.Args)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+idLen+1+len(r.Name)+2+len(args))
	out = append(out, byte(KindCommandRequest), WireVersion)
	out = append(out, r.ID[:]...)
	out = append(out, byte(len(r.Name)))
	out = append(out, r.Name...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(args)))
	return append(out, args...), nil
}

func serializeAck(a CommandAck) ([]byte, error) {
	if a.Outcome != OutcomeSuccess && a.Outcome != OutcomeFailure {
		return nil, fmt.Errorf("%w: %s is not a wire outcome", ErrBadOutcome, a.Outcome)
	}
	detail, err := marshalSection(a.Detail)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+idLen+1+2+len(detail))
	out = append(out, byte(KindCommandAck), WireVersion)
	out = append(out, a.ID[:]...)
	out = append(out, byte(a.Outcome))
	out = binary.BigEndian.AppendUint16(out, uint16(len(detail)))
	return append(out, detail...), nil
}

func marshalSection(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode mapping: %w", err)
	}
	if len(b) > maxSection {
		return nil, fmt.Errorf("%w: mapping %d bytes", ErrOversize, len(b))
	}
	return b, nil
}

// Deserialize decodes one message payload. The error taxonomy distinguishes
// unknown tags (skip payload) from truncation (frame/payload mismatch); both
// leave the surrounding stream intact.
func Deserialize(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, ErrTruncated
	}
	if data[1] != WireVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, data[1])
	}
	body := data[2:]
	switch Kind(data[0]) {
	case KindTelemetry:
		return deserializeTelemetry(body)
	case KindCommandRequest:
		return deserializeRequest(body)
	case KindCommandAck:
		return deserializeAck(body)
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownTag, data[0])
	}
}

func deserializeTelemetry(body []byte) (Message, error) {
	if len(body) < 5 {
		return nil, ErrTruncated
	}
	seq := binary.BigEndian.Uint32(body[:4])
	n := int(body[4])
	body = body[5:]
	if len(body) != n*fieldEntry {
		return nil, ErrTruncated
	}
	fields := make(map[FieldID]Value, n)
	for i := 0; i < n; i++ {
		e := body[i*fieldEntry : (i+1)*fieldEntry]
		kind := ValueKind(e[1])
		switch kind {
		case ValueUint, ValueInt, ValueFloat, ValueBool:
		default:
			return nil, fmt.Errorf("%w: 0x%02X", ErrBadValueKind, e[1])
		}
		fields[FieldID(e[0])] = Value{ValKind: kind, Bits: binary.BigEndian.Uint64(e[2:])}
	}
	return Telemetry{Seq: seq, Fields: fields}, nil
}

func deserializeRequest(body []byte) (Message, error) {
	if len(body) < idLen+1 {
		return nil, ErrTruncated
	}
	var id CommandID
	copy(id[:], body[:idLen])
	body = body[idLen:]
	nameLen := int(body[0])
	body = body[1:]
	if len(body) < nameLen+2 {
		return nil, ErrTruncated
	}
	name := string(body[:nameLen])
	body = body[nameLen:]
	args, err := unmarshalSection(body)
	if err != nil {
		return nil, err
	}
	return CommandRequest{ID: id, Name: name, Args: args}, nil
}

func deserializeAck(body []byte) (Message, error) {
	if len(body) < idLen+1+2 {
		return nil, ErrTruncated
	}
	var id CommandID
	copy(id[:], body[:idLen])
	outcome := Outcome(body[idLen])
	if outcome != OutcomeSuccess && outcome != OutcomeFailure {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadOutcome, body[idLen])
	}
	detail, err := unmarshalSection(body[idLen+1:])
	if err != nil {
		return nil, err
	}
	return CommandAck{ID: id, Outcome: outcome, Detail: detail}, nil
}

// unmarshalSection reads a u16-length-prefixed CBOR mapping. The prefix must
// account for the entire remaining body; anything else is a truncation.
func unmarshalSection(body []byte) (map[string]any, error) {
	if len(body) < 2 {
		return nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	if len(body) != n {
		return nil, ErrTruncated
	}
	if n == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := decMode.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return m, nil
}

// ErrorKind maps a codec error to its stable metrics label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTag):
		return "unknown_tag"
	case errors.Is(err, ErrUnknownVersion):
		return "unknown_version"
	case errors.Is(err, ErrBadValueKind):
		return "bad_value_kind"
	case errors.Is(err, ErrBadOutcome):
		return "bad_outcome"
	case errors.Is(err, ErrOversize):
		return "oversize"
	default:
		return "truncated"
	}
}
