package dtype

// Dequantize maps a raw integer value back to a real number:
//
//	real = (raw - zero) * scale
//
// The subtraction is exact in float32 for every int16 raw and zero point, so
// the only rounding step is the final multiply.
func Dequantize(raw float32, zero int16, scale float32) float32 {
	return (raw - float32(zero)) * scale
}

// Quantize is the inverse of Dequantize for integer element types.
func Quantize[T int8 | int16](v float32, zero int16, scale float32) T {
	q := v/scale + float32(zero)
	return Narrower[T]()(q)
}

// QuantizeSlice quantizes src into a new slice using one scale and zero point.
func QuantizeSlice[T int8 | int16](src []float32, zero int16, scale float32) []T {
	narrow := Narrower[T]()
	out := make([]T, len(src))
	for i, v := range src {
		out[i] = narrow(v/scale + float32(zero))
	}
	return out
}

// Convert narrows a float32 slice into a new slice of T.
func Convert[T Element](src []float32) []T {
	narrow := Narrower[T]()
	out := make([]T, len(src))
	for i, v := range src {
		out[i] = narrow(v)
	}
	return out
}
