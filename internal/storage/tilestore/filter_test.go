package tilestore

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bp(pixel string, x, y float64, y4 int, m time.Month, d int) BreakPoint {
	return BreakPoint{
		TileID:  "T29TME",
		PixelID: pixel,
		X:       x,
		Y:       y,
		Date:    time.Date(y4, m, d, 0, 0, 0, 0, time.UTC),
	}
}

func TestBreakFilter_SinglePerPixel(t *testing.T) {
	breaks := []BreakPoint{
		bp("p1", 0, 0, 2020, 3, 1),
		bp("p2", 0, 0, 2020, 1, 1),
		bp("p2", 0, 0, 2021, 6, 1),
		bp("p2", 0, 0, 2022, 9, 1),
	}

	out := BreakFilter{}.Apply(breaks)
	require.Len(t, out, 2)

	// A pixel with one break keeps it.
	assert.Equal(t, "p1", out[0].PixelID)
	assert.Equal(t, breaks[0].Date, out[0].Date)

	// A pixel with several keeps the second-latest.
	assert.Equal(t, "p2", out[1].PixelID)
	assert.Equal(t, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC), out[1].Date)
}

func TestBreakFilter_TiedDatesDeterministic(t *testing.T) {
	tied1 := bp("p1", 0, 0, 2021, 6, 1)
	tied1.Magnitude = 1
	tied2 := bp("p1", 0, 0, 2021, 6, 1)
	tied2.Magnitude = 2
	latest := bp("p1", 0, 0, 2022, 6, 1)
	latest.Magnitude = 3

	// Equal dates must not reorder; the second-latest slot always holds
	// the first-listed of the tied pair.
	for i := 0; i < 10; i++ {
		out := BreakFilter{}.Apply([]BreakPoint{tied1, tied2, latest})
		require.Len(t, out, 1)
		assert.Equal(t, 1.0, out[0].Magnitude)
	}
}

func TestBreakFilter_DateBounds(t *testing.T) {
	breaks := []BreakPoint{
		bp("p1", 0, 0, 2019, 6, 1),
		bp("p2", 0, 0, 2020, 6, 1),
		bp("p3", 0, 0, 2023, 6, 1),
	}

	f := BreakFilter{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	out := f.Apply(breaks)
	require.Len(t, out, 1)
	assert.Equal(t, "p2", out[0].PixelID)
}

func TestBreakFilter_Boundary(t *testing.T) {
	square := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	breaks := []BreakPoint{
		bp("inside", 5, 5, 2021, 1, 1),
		bp("outside", 15, 5, 2021, 1, 1),
	}

	out := BreakFilter{Boundary: square}.Apply(breaks)
	require.Len(t, out, 1)
	assert.Equal(t, "inside", out[0].PixelID)
}

func TestBreakFilter_Empty(t *testing.T) {
	assert.Empty(t, BreakFilter{}.Apply(nil))
}

func TestGeometryContains(t *testing.T) {
	square := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	far := orb.Polygon{{{20, 20}, {30, 20}, {30, 30}, {20, 30}, {20, 20}}}

	assert.True(t, GeometryContains(square, orb.Point{5, 5}))
	assert.False(t, GeometryContains(square, orb.Point{15, 5}))

	multi := orb.MultiPolygon{square, far}
	assert.True(t, GeometryContains(multi, orb.Point{25, 25}))

	coll := orb.Collection{far, square}
	assert.True(t, GeometryContains(coll, orb.Point{5, 5}))
	assert.False(t, GeometryContains(coll, orb.Point{50, 50}))

	// Non-polygonal geometries never contain.
	assert.False(t, GeometryContains(orb.Point{5, 5}, orb.Point{5, 5}))
	assert.False(t, GeometryContains(orb.LineString{{0, 0}, {10, 10}}, orb.Point{5, 5}))
}
