// Package geofence maps bounding boxes onto configured zone polygons.
package geofence

import (
	"godown-edge-go/internal/models"
)

// PointInPolygon runs an even-odd ray cast from (x, y) towards +x.
// The polygon closes implicitly; fewer than three vertices never contain a point.
func PointInPolygon(x, y float64, polygon [][2]float64) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := polygon[i][0], polygon[i][1]
		xj, yj := polygon[j][0], polygon[j][1]

		if (yi > y) != (yj > y) {
			crossX := (xj-xi)*(y-yi)/(yj-yi) + xi
			if x <= crossX {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// BBoxInZone tests the box centroid only
func BBoxInZone(bbox models.BBox, polygon [][2]float64) bool {
	cx, cy := bbox.Center()
	return PointInPolygon(cx, cy, polygon)
}

// BBoxCornersInZone reports whether any corner of the box is inside the polygon.
// Use it for wide objects whose centroid may sit outside while the object overlaps the zone.
func BBoxCornersInZone(bbox models.BBox, polygon [][2]float64) bool {
	for _, c := range bbox.Corners() {
		if PointInPolygon(c[0], c[1], polygon) {
			return true
		}
	}
	return false
}

// DetermineZone returns the first zone, in configured order, containing the box centroid
func DetermineZone(bbox models.BBox, zones []models.Zone) (string, bool) {
	for _, z := range zones {
		if BBoxInZone(bbox, z.Polygon) {
			return z.ID, true
		}
	}
	return "", false
}
