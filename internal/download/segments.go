package download

// MinMultiSegmentSize is the smallest file that is split across multiple
// segments. Anything below this downloads as a single range.
const MinMultiSegmentSize int64 = 1024 * 1024

// PartitionSegments splits [0, totalSize-1] into n contiguous ranges. Every
// segment except the last spans floor(totalSize/n) bytes; the last absorbs
// the division remainder. When the size is unknown a single open-ended
// segment with EndByte -1 is returned.
func PartitionSegments(totalSize int64, n int) []*Segment {
	if totalSize <= 0 {
		return []*Segment{{Index: 0, StartByte: 0, EndByte: -1}}
	}
	if n <= 1 {
		return []*Segment{{Index: 0, StartByte: 0, EndByte: totalSize - 1}}
	}

	size := totalSize / int64(n)
	segments := make([]*Segment, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * size
		end := start + size - 1
		if i == n-1 {
			end = totalSize - 1
		}
		segments = append(segments, &Segment{Index: i, StartByte: start, EndByte: end})
	}
	return segments
}

// SegmentCount resolves the effective segment count for a download:
// requested, collapsed to one when the server cannot serve ranges or the
// file is small or of unknown size.
func SegmentCount(requested int, totalSize int64, supportsResume bool) int {
	if !supportsResume || totalSize < MinMultiSegmentSize {
		return 1
	}
	if requested < 1 {
		return 1
	}
	return requested
}
