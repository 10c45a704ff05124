package dtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"f32", Float32},
		{"FP32", Float32},
		{"half", Float16},
		{"fp16", Float16},
		{"int16", Int16},
		{" i8 ", Int8},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Parse("bf16")
	assert.Error(t, err)
}

func TestOf(t *testing.T) {
	assert.Equal(t, Float32, Of[float32]())
	assert.Equal(t, Float16, Of[float16.Float16]())
	assert.Equal(t, Int16, Of[int16]())
	assert.Equal(t, Int8, Of[int8]())
}

func TestTypeProperties(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 2, Int16.Size())
	assert.Equal(t, 1, Int8.Size())
	assert.Equal(t, 0, Invalid.Size())

	assert.True(t, Int8.IsInteger())
	assert.True(t, Int16.IsInteger())
	assert.False(t, Float16.IsInteger())
	assert.Equal(t, "i8", Int8.String())
}

func TestWidenerNarrower(t *testing.T) {
	t.Run("Float16", func(t *testing.T) {
		h := Narrower[float16.Float16]()(1.5)
		assert.Equal(t, uint16(0x3e00), h.Bits())
		assert.Equal(t, float32(1.5), Widener[float16.Float16]()(h))
	})

	t.Run("Int8Saturates", func(t *testing.T) {
		narrow := Narrower[int8]()
		assert.Equal(t, int8(127), narrow(1000))
		assert.Equal(t, int8(-128), narrow(-1000))
		assert.Equal(t, int8(3), narrow(2.5))
		assert.Equal(t, int8(-3), narrow(-2.5))
	})

	t.Run("Int16", func(t *testing.T) {
		assert.Equal(t, float32(-300), Widener[int16]()(Narrower[int16]()(-300)))
	})
}

func TestDequantizeRoundTrip(t *testing.T) {
	const (
		scale = float32(0.01)
		zero  = int16(10)
	)
	for _, v := range []float32{-0.5, -0.01, 0, 0.37, 1.0} {
		q := Quantize[int8](v, zero, scale)
		got := Dequantize(float32(q), zero, scale)
		assert.InDelta(t, v, got, float64(scale)/2+1e-6, "value %v", v)
	}

	raw := QuantizeSlice[int16]([]float32{0.5, -0.25}, 0, 0.25)
	assert.Equal(t, []int16{2, -1}, raw)
}

func TestConvert(t *testing.T) {
	h := Convert[float16.Float16]([]float32{1, -2})
	require.Len(t, h, 2)
	assert.Equal(t, uint16(0x3c00), h[0].Bits())
	assert.Equal(t, uint16(0xc000), h[1].Bits())
}
