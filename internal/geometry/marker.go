// Marker detections and quadrilateral resolution
package geometry

import (
	"fmt"
	"strconv"
	"strings"
)

// QuadMarkers is the number of markers framing the target region
const QuadMarkers = 4

// Marker is one fiducial detection. Corners follow the detector convention:
// clockwise starting at the marker's top-left corner.
type Marker struct {
	ID      int
	Corners [4]Point
}

// IDs lists the marker ids in detection order
func IDs(markers []Marker) []int {
	ids := make([]int, len(markers))
	for i, m := range markers {
		ids[i] = m.ID
	}
	return ids
}

// Resolution describes the outcome of quadrilateral resolution for a frame
type Resolution int

const (
	ResolutionNone Resolution = iota
	ResolutionPartial
	ResolutionInvalid
	ResolutionComplete
)

func (r Resolution) String() string {
	switch r {
	case ResolutionNone:
		return "none"
	case ResolutionPartial:
		return "partial"
	case ResolutionInvalid:
		return "invalid"
	case ResolutionComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// CornerRule selects which corner of marker k becomes quadrilateral vertex k
type CornerRule int

// CornerOuter takes corner k of marker k, i.e. the corner pointing away from
// the target region when the markers sit at its corners upright.
const CornerOuter CornerRule = -1

// FixedCorner takes the same corner index from every marker
func FixedCorner(i int) CornerRule {
	return CornerRule(i)
}

func (c CornerRule) index(id int) int {
	if c == CornerOuter {
		return id
	}
	return int(c)
}

func (c CornerRule) String() string {
	if c == CornerOuter {
		return "outer"
	}
	return strconv.Itoa(int(c))
}

// ParseCornerRule accepts "outer" or a corner index 0..3
func ParseCornerRule(s string) (CornerRule, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "outer" {
		return CornerOuter, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i > 3 {
		return 0, fmt.Errorf("corner rule must be \"outer\" or 0-3, got %q", s)
	}
	return FixedCorner(i), nil
}

// ResolveQuad builds the target quadrilateral from one frame's detections.
// Only a detection set whose ids are exactly {0,1,2,3} resolves; anything
// else yields a zero Quad with the reason.
func ResolveQuad(markers []Marker, rule CornerRule) (Quad, Resolution) {
	switch {
	case len(markers) == 0:
		return Quad{}, ResolutionNone
	case len(markers) < QuadMarkers:
		return Quad{}, ResolutionPartial
	case len(markers) > QuadMarkers:
		return Quad{}, ResolutionInvalid
	}

	var (
		quad Quad
		seen [QuadMarkers]bool
	)
	for _, m := range markers {
		if m.ID < 0 || m.ID >= QuadMarkers || seen[m.ID] {
			return Quad{}, ResolutionInvalid
		}
		seen[m.ID] = true
		quad[m.ID] = m.Corners[rule.index(m.ID)]
	}

	return quad, ResolutionComplete
}
