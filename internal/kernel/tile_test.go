package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTileShape(t *testing.T) {
	s := DefaultTileShape
	assert.NoError(t, s.Validate())
	assert.Equal(t, 8, s.Warps())
	rows, cols := s.WarpTile()
	assert.Equal(t, 16, rows)
	assert.Equal(t, 32, cols)
	assert.Equal(t, 64, s.LanesPerWarp())
	assert.Equal(t, 512, s.ThreadsPerGroup())
	assert.Equal(t, "<32,128,16,2,4,1,2,4>", s.String())

	a, b, c := s.StagingElems()
	assert.Equal(t, 32*16, a)
	assert.Equal(t, 16*128, b)
	assert.Equal(t, 32*128, c)
}

func TestTileShapeValidate(t *testing.T) {
	tests := []struct {
		name  string
		shape TileShape
		ok    bool
	}{
		{"default", DefaultTileShape, true},
		{"single lane", TileShape{1, 1, 1, 1, 1, 1, 1, 1}, true},
		{"zero K", TileShape{32, 32, 0, 1, 1, 1, 1, 1}, false},
		{"zero unroll", TileShape{32, 32, 16, 1, 1, 0, 1, 1}, false},
		{"M not divisible by warps", TileShape{30, 32, 16, 4, 1, 1, 1, 1}, false},
		{"N not divisible by warps", TileShape{32, 30, 16, 1, 4, 1, 1, 1}, false},
		{"warp rows not divisible by ThreadM", TileShape{32, 32, 16, 2, 2, 1, 3, 1}, false},
		{"warp cols not divisible by ThreadN", TileShape{32, 32, 16, 2, 2, 1, 1, 3}, false},
		{"K not divisible by unroll", TileShape{32, 32, 16, 1, 1, 3, 1, 1}, false},
		{"too many threads", TileShape{64, 64, 16, 1, 1, 1, 1, 1}, false},
		{"exactly max threads", TileShape{32, 32, 16, 1, 1, 1, 1, 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.shape.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestGrid(t *testing.T) {
	s := DefaultTileShape
	tests := []struct {
		m, n           int
		tilesM, tilesN int
	}{
		{1, 1, 1, 1},
		{32, 128, 1, 1},
		{33, 128, 2, 1},
		{64, 129, 2, 2},
		{100, 300, 4, 3},
	}
	for _, tt := range tests {
		gm, gn := s.Grid(tt.m, tt.n)
		assert.Equal(t, tt.tilesM, gm, "m=%d", tt.m)
		assert.Equal(t, tt.tilesN, gn, "n=%d", tt.n)
	}
}

func TestThreadGroupFor(t *testing.T) {
	g := ThreadGroupFor(DefaultTileShape)
	assert.Equal(t, ThreadGroupSize{X: 64, Y: 8, Z: 1}, g)
	assert.Equal(t, 512, g.Threads())
}
