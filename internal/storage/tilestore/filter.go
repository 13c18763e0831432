package tilestore

import (
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// BreakFilter narrows a tile's breaks for export. Zero-value bounds
// disable the corresponding filter.
type BreakFilter struct {
	Start    time.Time
	End      time.Time
	Boundary orb.Geometry // polygon or multipolygon; nil disables
}

// Apply selects at most one break per pixel: after the date and
// boundary filters, a pixel with a single remaining break keeps it, and
// a pixel with several keeps the one with the second-highest break
// date. Output is ordered by pixel identity.
func (f BreakFilter) Apply(breaks []BreakPoint) []BreakPoint {
	byPixel := make(map[string][]BreakPoint)
	var order []string
	for _, b := range breaks {
		if !f.Start.IsZero() && b.Date.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && b.Date.After(f.End) {
			continue
		}
		if f.Boundary != nil && !GeometryContains(f.Boundary, orb.Point{b.X, b.Y}) {
			continue
		}
		if _, seen := byPixel[b.PixelID]; !seen {
			order = append(order, b.PixelID)
		}
		byPixel[b.PixelID] = append(byPixel[b.PixelID], b)
	}
	sort.Strings(order)

	out := make([]BreakPoint, 0, len(order))
	for _, id := range order {
		group := byPixel[id]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		// Stable sort keeps input order among ties so the second-highest
		// selection is deterministic for equal dates.
		sort.SliceStable(group, func(i, j int) bool { return group[i].Date.After(group[j].Date) })
		out = append(out, group[1])
	}
	return out
}

// GeometryContains reports whether the geometry contains the point.
// Only polygonal geometries can contain; anything else returns false.
func GeometryContains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	case orb.Collection:
		for _, sub := range geom {
			if GeometryContains(sub, p) {
				return true
			}
		}
	}
	return false
}
