// internal/geohash/geohash.go

// Package geohash implements geohash encoding and viewport-to-prefix
// resolution. A geohash is a base32 string where each additional character
// refines the location to a smaller rectangular cell; shared prefixes
// indicate spatial proximity.
package geohash

import (
	"strings"
)

// base32 is the standard geohash alphabet (no a, i, l, o).
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// MaxPrecision is the finest cell size supported, roughly 3.7cm x 1.9cm.
const MaxPrecision = 12

// FullPrecision is the precision at which entity locations are indexed,
// roughly 4.8m x 4.8m per cell.
const FullPrecision = 9

// Encode returns the geohash of the given coordinates at the given precision.
// Latitude is clamped to [-90, 90] and longitude to [-180, 180]; precision is
// clamped to [1, MaxPrecision]. Encoding is deterministic, and a longer
// precision encoding of the same point is always a prefix extension of a
// shorter one (modulo float boundary effects at exact cell edges).
func Encode(lat, lng float64, precision int) string {
	lat = clamp(lat, -90, 90)
	lng = clamp(lng, -180, 180)

	if precision < 1 {
		precision = 1
	} else if precision > MaxPrecision {
		precision = MaxPrecision
	}

	var (
		sb          strings.Builder
		latMin      = -90.0
		latMax      = 90.0
		lngMin      = -180.0
		lngMax      = 180.0
		idx         = 0
		bit         = 0
		evenBit     = true
	)

	sb.Grow(precision)

	for sb.Len() < precision {
		if evenBit {
			// longitude bit
			mid := (lngMin + lngMax) / 2
			if lng >= mid {
				idx = idx*2 + 1
				lngMin = mid
			} else {
				idx = idx * 2
				lngMax = mid
			}
		} else {
			// latitude bit
			mid := (latMin + latMax) / 2
			if lat >= mid {
				idx = idx*2 + 1
				latMin = mid
			} else {
				idx = idx * 2
				latMax = mid
			}
		}
		evenBit = !evenBit

		bit++
		if bit == 5 {
			sb.WriteByte(base32[idx])
			bit = 0
			idx = 0
		}
	}

	return sb.String()
}

// BoundsToPrefix returns the longest geohash prefix shared by all four
// corners of the given bounding box. A box that straddles a low-precision
// cell boundary may yield the empty string (the whole world); callers must
// handle that.
func BoundsToPrefix(north, south, east, west float64) string {
	corners := []string{
		Encode(north, west, MaxPrecision),
		Encode(north, east, MaxPrecision),
		Encode(south, west, MaxPrecision),
		Encode(south, east, MaxPrecision),
	}

	prefix := corners[0]
	for _, c := range corners[1:] {
		prefix = commonPrefix(prefix, c)
		if prefix == "" {
			return ""
		}
	}

	return prefix
}

// Ancestors returns every proper prefix of h from longest to shortest,
// including h itself. "dr5" yields ["dr5", "dr", "d"].
func Ancestors(h string) []string {
	out := make([]string, 0, len(h))
	for i := len(h); i >= 1; i-- {
		out = append(out, h[:i])
	}
	return out
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
