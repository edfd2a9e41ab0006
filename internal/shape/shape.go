// Package shape projects live positions onto a pattern's polyline to derive
// distance-along-pattern, used for trains whose upstream feed carries no
// pattern distance.
package shape

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/project"
)

// Shape is a pattern polyline prepared for projection. Vertices are held in
// web-mercator for the geometry and the cumulative arc length in true
// meters.
type Shape struct {
	mercator orb.LineString
	cumdist  []float64
}

// New builds a Shape from WGS84 vertices ordered along the pattern. Returns
// nil for degenerate polylines.
func New(points []orb.Point) *Shape {
	if len(points) < 2 {
		return nil
	}
	s := &Shape{
		mercator: make(orb.LineString, len(points)),
		cumdist:  make([]float64, len(points)),
	}
	for i, p := range points {
		s.mercator[i] = project.Point(p, project.WGS84.ToMercator)
		if i > 0 {
			s.cumdist[i] = s.cumdist[i-1] + geo.Distance(points[i-1], points[i])
		}
	}
	return s
}

// Length is the polyline's total arc length in meters.
func (s *Shape) Length() float64 {
	return s.cumdist[len(s.cumdist)-1]
}

// Project returns the distance in meters along the pattern of the point on
// the polyline closest to p (WGS84).
func (s *Shape) Project(p orb.Point) float64 {
	m := project.Point(p, project.WGS84.ToMercator)

	bestDist := -1.0
	bestAlong := 0.0
	for i := 0; i < len(s.mercator)-1; i++ {
		a, b := s.mercator[i], s.mercator[i+1]
		frac := segmentFraction(a, b, m)
		cx := a[0] + frac*(b[0]-a[0])
		cy := a[1] + frac*(b[1]-a[1])
		dx, dy := m[0]-cx, m[1]-cy
		d2 := dx*dx + dy*dy
		if bestDist < 0 || d2 < bestDist {
			bestDist = d2
			bestAlong = s.cumdist[i] + frac*(s.cumdist[i+1]-s.cumdist[i])
		}
	}
	return bestAlong
}

// segmentFraction returns the position of p's perpendicular foot on segment
// ab, clamped to [0, 1].
func segmentFraction(a, b, p orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	len2 := dx*dx + dy*dy
	if len2 == 0 {
		return 0
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / len2
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
