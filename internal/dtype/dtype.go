package dtype

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// Type identifies one of the element representations an operand or output
// buffer can be stored in.
type Type uint8

const (
	Invalid Type = iota
	Float32      // wide float
	Float16      // narrow float (IEEE 754 binary16)
	Int16        // quantized, signed 16-bit
	Int8         // quantized, signed 8-bit
)

// Element is the closed set of Go types a kernel can be instantiated over.
type Element interface {
	float32 | float16.Float16 | int16 | int8
}

func (t Type) String() string {
	switch t {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case Int16:
		return "i16"
	case Int8:
		return "i8"
	default:
		return "invalid"
	}
}

// Size returns the storage size of one element in bytes.
func (t Type) Size() int {
	switch t {
	case Float32:
		return 4
	case Float16, Int16:
		return 2
	case Int8:
		return 1
	default:
		return 0
	}
}

// IsInteger reports whether values of this type must be dequantized before use.
func (t Type) IsInteger() bool {
	return t == Int16 || t == Int8
}

// Parse accepts the short names used on the command line and in requests.
func Parse(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32", "float":
		return Float32, nil
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "i16", "int16", "short":
		return Int16, nil
	case "i8", "int8", "char":
		return Int8, nil
	}
	return Invalid, fmt.Errorf("unknown element type %q", s)
}

// Of returns the Type tag for the Go type T.
func Of[T Element]() Type {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case int16:
		return Int16
	case int8:
		return Int8
	}
	return Invalid
}

// Widener returns the conversion from T to the float32 working type. The
// type switch runs once, when the caller builds its kernel, so hot loops only
// see a direct function call.
func Widener[T Element]() func(T) float32 {
	var fn any
	switch Of[T]() {
	case Float32:
		fn = func(v float32) float32 { return v }
	case Float16:
		fn = func(v float16.Float16) float32 { return v.Float32() }
	case Int16:
		fn = func(v int16) float32 { return float32(v) }
	case Int8:
		fn = func(v int8) float32 { return float32(v) }
	}
	return fn.(func(T) float32)
}

// Narrower returns the conversion from float32 to T. Float targets round to
// nearest even; integer targets round half away from zero and saturate.
func Narrower[T Element]() func(float32) T {
	var fn any
	switch Of[T]() {
	case Float32:
		fn = func(v float32) float32 { return v }
	case Float16:
		fn = float16.Fromfloat32
	case Int16:
		fn = func(v float32) int16 { return int16(saturate(v, math.MinInt16, math.MaxInt16)) }
	case Int8:
		fn = func(v float32) int8 { return int8(saturate(v, math.MinInt8, math.MaxInt8)) }
	}
	return fn.(func(float32) T)
}

func saturate(v float32, lo, hi float64) float64 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	r := math.Round(float64(v))
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}
