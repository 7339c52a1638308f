package serde

import (
	"fmt"
	"math"
	"reflect"
)

// TypeConverter coerces decoded payloads into the Go types workflow and
// activity signatures declare. History payloads are stored untyped, so an int
// argument may come back as float64 (json) or int8 (msgpack) and a struct as
// map[string]any.
type TypeConverter struct {
	serde BinarySerde
}

func NewTypeConverter(s BinarySerde) *TypeConverter {
	return &TypeConverter{serde: s}
}

// Convert returns value as a reflect.Value of type t.
func (tc *TypeConverter) Convert(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(value)
	vt := v.Type()

	switch {
	case vt == t:
		return v, nil
	case t.Kind() == reflect.Interface && vt.Implements(t):
		out := reflect.New(t).Elem()
		out.Set(v)
		return out, nil
	case isNumber(vt.Kind()) && isNumber(t.Kind()):
		return convertNumber(v, t)
	case isNumber(vt.Kind()) && t.Kind() == reflect.String:
		// reflect would turn 65 into "A".
		return tc.roundTrip(value, t)
	case vt.ConvertibleTo(t):
		return v.Convert(t), nil
	}
	return tc.roundTrip(value, t)
}

// Assign converts value into the variable valuePtr points to. A nil valuePtr
// discards the value.
func (tc *TypeConverter) Assign(value any, valuePtr any) error {
	if valuePtr == nil {
		return nil
	}
	rv := reflect.ValueOf(valuePtr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("serde: assign target must be a non-nil pointer, got %T", valuePtr)
	}
	out, err := tc.Convert(value, rv.Elem().Type())
	if err != nil {
		return err
	}
	rv.Elem().Set(out)
	return nil
}

// roundTrip re-encodes value and decodes it into a fresh t.
func (tc *TypeConverter) roundTrip(value any, t reflect.Type) (reflect.Value, error) {
	data, err := tc.serde.SerializeBinary(value)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("serde: convert %T to %v: %w", value, t, err)
	}
	elem := t
	if t.Kind() == reflect.Pointer {
		elem = t.Elem()
	}
	ptr := reflect.New(elem)
	if err := tc.serde.DeserializeBinary(data, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("serde: convert %T to %v: %w", value, t, err)
	}
	if t.Kind() == reflect.Pointer {
		return ptr, nil
	}
	return ptr.Elem(), nil
}

func convertNumber(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	if isFloat(v.Kind()) && !isFloat(t.Kind()) {
		f := v.Float()
		if f != math.Trunc(f) {
			return reflect.Value{}, fmt.Errorf("serde: %v does not fit %v", f, t)
		}
	}
	return v.Convert(t), nil
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
