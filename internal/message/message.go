// Package message defines the structured messages exchanged with the
// battery-swap device and their binary wire codec. The tag values, field-id
// enumeration and encoding widths are a compatibility contract shared with
// the device firmware.
package message

import (
	"fmt"
	"math"

	"github.com/oklog/ulid/v2"
)

// WireVersion is the current message encoding version. Both ends must agree;
// a mismatched version is rejected by the codec.
const WireVersion = 1

// Kind is the one-byte type tag that starts every encoded message.
type Kind uint8

const (
	KindTelemetry      Kind = 0x01
	KindCommandRequest Kind = 0x02
	KindCommandAck     Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindCommandRequest:
		return "command_request"
	case KindCommandAck:
		return "command_ack"
	default:
		return fmt.Sprintf("kind_0x%02X", uint8(k))
	}
}

// Message is one decoded wire message.
type Message interface {
	Kind() Kind
}

// CommandID correlates a CommandAck back to the request that caused it.
// Generated by the gateway, unique per client connection lifetime.
type CommandID = ulid.ULID

// FieldID enumerates the telemetry fields published by the firmware.
type FieldID uint8

const (
	FieldBatteryVoltage  FieldID = 0x01
	FieldBatteryCurrent  FieldID = 0x02
	FieldCellTemperature FieldID = 0x03
	FieldStateOfCharge   FieldID = 0x04
	FieldSwapState       FieldID = 0x05
	FieldSwapCount       FieldID = 0x06
	FieldErrorFlags      FieldID = 0x07
	FieldUptime          FieldID = 0x08
)

// String returns the stable exposition name of the field. Unknown ids get a
// numeric name so forward-compatible firmware fields still export cleanly.
func (f FieldID) String() string {
	switch f {
	case FieldBatteryVoltage:
		return "battery_voltage"
	case FieldBatteryCurrent:
		return "battery_current"
	case FieldCellTemperature:
		return "cell_temperature"
	case FieldStateOfCharge:
		return "state_of_charge"
	case FieldSwapState:
		return "swap_state"
	case FieldSwapCount:
		return "swap_count"
	case FieldErrorFlags:
		return "error_flags"
	case FieldUptime:
		return "uptime"
	default:
		return fmt.Sprintf("field_0x%02X", uint8(f))
	}
}

// ValueKind selects the interpretation of a field value's fixed 8 bytes.
type ValueKind uint8

const (
	ValueUint  ValueKind = 0x01
	ValueInt   ValueKind = 0x02
	ValueFloat ValueKind = 0x03
	ValueBool  ValueKind = 0x04
)

// Value is a telemetry field value: a kind plus 8 raw bits. Fixed width keeps
// decode cost constant per field and makes values directly comparable.
type Value struct {
	ValKind ValueKind
	Bits    uint64
}

func Uint(v uint64) Value { return Value{ValKind: ValueUint, Bits: v} }
func Int(v int64) Value   { return Value{ValKind: ValueInt, Bits: uint64(v)} }
func Float(v float64) Value {
	return Value{ValKind: ValueFloat, Bits: math.Float64bits(v)}
}
func Bool(v bool) Value {
	if v {
		return Value{ValKind: ValueBool, Bits: 1}
	}
	return Value{ValKind: ValueBool, Bits: 0}
}

func (v Value) Uint() uint64   { return v.Bits }
func (v Value) Int() int64     { return int64(v.Bits) }
func (v Value) Float() float64 { return math.Float64frombits(v.Bits) }
func (v Value) Bool() bool     { return v.Bits != 0 }

// Number returns the value as a float64 for aggregation, whatever its kind.
func (v Value) Number() float64 {
	switch v.ValKind {
	case ValueInt:
		return float64(v.Int())
	case ValueFloat:
		return v.Float()
	case ValueBool:
		if v.Bool() {
			return 1
		}
		return 0
	default:
		return float64(v.Bits)
	}
}

// Interface returns the natural Go representation, used when rendering
// telemetry for gateway clients.
func (v Value) Interface() any {
	switch v.ValKind {
	case ValueInt:
		return v.Int()
	case ValueFloat:
		return v.Float()
	case ValueBool:
		return v.Bool()
	default:
		return v.Uint()
	}
}

// Outcome is the terminal result of a command request. Success and Failure
// travel on the wire from the device; Timeout and LinkLost are synthesized
// locally by the bridge and never appear in serial traffic.
type Outcome uint8

const (
	OutcomeSuccess  Outcome = 0x00
	OutcomeFailure  Outcome = 0x01
	OutcomeTimeout  Outcome = 0x10
	OutcomeLinkLost Outcome = 0x11
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeLinkLost:
		return "link_lost"
	default:
		return fmt.Sprintf("outcome_0x%02X", uint8(o))
	}
}

// Telemetry is one periodic record from the device. Seq is monotonic per
// device session; gaps mean dropped frames.
type Telemetry struct {
	Seq    uint32
	Fields map[FieldID]Value
}

func (Telemetry) Kind() Kind { return KindTelemetry }

// CommandRequest asks the device to run a named command.
type CommandRequest struct {
	ID   CommandID
	Name string
	Args map[string]any
}

func (CommandRequest) Kind() Kind { return KindCommandRequest }

// CommandAck reports the device-side result of an earlier CommandRequest.
type CommandAck struct {
	ID      CommandID
	Outcome Outcome
	Detail  map[string]any
}

func (CommandAck) Kind() Kind { return KindCommandAck }
