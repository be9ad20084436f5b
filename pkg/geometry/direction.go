package geometry

// Direction is a compass octant in image coordinates (y grows downward, so S is
// toward larger y).
type Direction int

const (
	DirUnknown Direction = iota
	DirN
	DirNE
	DirE
	DirSE
	DirS
	DirSW
	DirW
	DirNW
)

// String returns the compass abbreviation.
func (d Direction) String() string {
	switch d {
	case DirN:
		return "N"
	case DirNE:
		return "NE"
	case DirE:
		return "E"
	case DirSE:
		return "SE"
	case DirS:
		return "S"
	case DirSW:
		return "SW"
	case DirW:
		return "W"
	case DirNW:
		return "NW"
	default:
		return "Unknown"
	}
}

// OctantOf classifies the vector v (tip minus base) into a compass octant. Only
// the signs of the components are used, so a purely horizontal vector is E or W
// and a purely vertical one is N or S.
func OctantOf(v Point2D) Direction {
	switch {
	case v.Y > 0:
		switch {
		case v.X > 0:
			return DirSE
		case v.X < 0:
			return DirSW
		default:
			return DirS
		}
	case v.Y < 0:
		switch {
		case v.X > 0:
			return DirNE
		case v.X < 0:
			return DirNW
		default:
			return DirN
		}
	default:
		switch {
		case v.X > 0:
			return DirE
		case v.X < 0:
			return DirW
		default:
			return DirUnknown
		}
	}
}

// Downward reports whether a probe pointing in d has its tip at the lower
// (larger y) end of the shaft. West counts as downward for the tip/base choice.
func (d Direction) Downward() bool {
	switch d {
	case DirS, DirSW, DirSE, DirW:
		return true
	}
	return false
}
