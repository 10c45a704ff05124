package simd

// The products below are wrapped in explicit float32 conversions. Go is
// allowed to fuse x*y+z into a single FMA on some architectures, and an
// explicit conversion forbids that, so every routine here rounds exactly
// like the scalar reference loop.

// OuterAccumulate adds the outer product a⊗b into the row-major register
// block acc (len(a) rows by len(b) columns).
func OuterAccumulate(acc, a, b []float32) {
	n := len(b)
	for r, av := range a {
		row := acc[r*n : r*n+n]
		j := 0
		for ; j <= n-4; j += 4 {
			row[j] += float32(av * b[j])
			row[j+1] += float32(av * b[j+1])
			row[j+2] += float32(av * b[j+2])
			row[j+3] += float32(av * b[j+3])
		}
		for ; j < n; j++ {
			row[j] += float32(av * b[j])
		}
	}
}

// DotProduct computes the dot product of two float32 vectors, accumulating
// strictly left to right.
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += float32(a[i] * b[i])
		sum += float32(a[i+1] * b[i+1])
		sum += float32(a[i+2] * b[i+2])
		sum += float32(a[i+3] * b[i+3])
	}
	for ; i < len(a); i++ {
		sum += float32(a[i] * b[i])
	}
	return sum
}

// Gather copies n values starting at src[off] with the given stride into dst.
func Gather(dst, src []float32, off, stride, n int) {
	for i := 0; i < n; i++ {
		dst[i] = src[off+i*stride]
	}
}
