package gateway

import (
	"errors"
	"fmt"
)

// Schema errors, surfaced to the client in the result frame.
var (
	ErrUnknownCommand = errors.New("gateway: unknown command")
	ErrBadArgument    = errors.New("gateway: bad argument")
)

type argType uint8

const (
	argNumber argType = iota + 1
	argString
	argBool
)

func (t argType) String() string {
	switch t {
	case argNumber:
		return "number"
	case argString:
		return "string"
	case argBool:
		return "bool"
	default:
		return "unknown"
	}
}

type argSpec struct {
	typ      argType
	required bool
}

// commandSpec describes one command accepted from gateway clients. Local
// commands are handled by the agent itself and never reach the device.
type commandSpec struct {
	args  map[string]argSpec
	local bool
}

// schema is the set of commands the current firmware understands. Arguments
// travel to the device as a CBOR mapping, so only scalar JSON types are
// accepted here.
var schema = map[string]commandSpec{
	"calibrate_ambient_ir":   {},
	"calibrate_reference_ir": {args: map[string]argSpec{"distance_mm": {typ: argNumber, required: true}}},
	"swap_battery":           {args: map[string]argSpec{"slot": {typ: argNumber, required: true}}},
	"reset":                  {local: true},
}

// CommandNames lists the accepted command names, for the hello frame.
func CommandNames() []string {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	return names
}

// validateCommand checks name and args against the schema.
func validateCommand(name string, args map[string]any) (commandSpec, error) {
	spec, ok := schema[name]
	if !ok {
		return commandSpec{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	for k, v := range args {
		as, ok := spec.args[k]
		if !ok {
			return commandSpec{}, fmt.Errorf("%w: unexpected argument %q", ErrBadArgument, k)
		}
		if !matchesType(v, as.typ) {
			return commandSpec{}, fmt.Errorf("%w: %q must be a %s", ErrBadArgument, k, as.typ)
		}
	}
	for k, as := range spec.args {
		if !as.required {
			continue
		}
		if _, ok := args[k]; !ok {
			return commandSpec{}, fmt.Errorf("%w: missing argument %q", ErrBadArgument, k)
		}
	}
	return spec, nil
}

func matchesType(v any, t argType) bool {
	switch t {
	case argNumber:
		// encoding/json decodes every JSON number to float64.
		_, ok := v.(float64)
		return ok
	case argString:
		_, ok := v.(string)
		return ok
	case argBool:
		_, ok := v.(bool)
		return ok
	default:
		return false
	}
}
