package domain

import "sort"

// ByteRange is a half-open range [Offset, Offset+Length) of the target file.
type ByteRange struct {
	Offset int64
	Length int64
}

// End returns the first byte past the range.
func (r ByteRange) End() int64 {
	return r.Offset + r.Length
}

// Reached is the cheap per-chunk check: does this chunk reach the declared end?
// It is necessary but not sufficient for completion when chunks arrive out of order.
func Reached(offset, n, total int64) bool {
	return offset+n >= total
}

// Contiguous returns how many bytes starting at zero are covered without a
// gap by the union of ranges. prefix is a range [0, prefix) already known to be
// present (bytes assembled by an earlier, failed reassembly).
func Contiguous(ranges []ByteRange, prefix int64) int64 {
	sorted := make([]ByteRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	end := prefix
	for _, r := range sorted {
		if r.Offset > end {
			break
		}
		if r.End() > end {
			end = r.End()
		}
	}
	return end
}

// Covered reports whether the union of ranges plus prefix covers [0, total).
func Covered(ranges []ByteRange, prefix, total int64) bool {
	return Contiguous(ranges, prefix) >= total
}
