package pe

import (
	"fmt"
	"math"
)

// HighEntropy is the level above which section data is usually compressed
// or encrypted.
const HighEntropy = 7.0

// CalculateEntropy returns the Shannon entropy of data in bits per byte,
// from 0 for a single repeated value to 8 for uniformly distributed bytes.
func CalculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var histogram [256]uint64
	for _, b := range data {
		histogram[b]++
	}

	// H = log2(n) - (1/n) * sum(c * log2(c))
	n := float64(len(data))
	var weighted float64
	for _, c := range histogram {
		if c > 1 {
			weighted += float64(c) * math.Log2(float64(c))
		}
	}
	h := math.Log2(n) - weighted/n
	if h < 0 {
		return 0
	}
	return h
}

// SectionEntropy returns the entropy of a section's raw data. Raw data
// running past the end of the file is clipped.
func (img *Image) SectionEntropy(s *Section) (float64, error) {
	loc, ok := img.rawDataLocation(s)
	if !ok {
		return 0, nil
	}
	data, err := img.GetBytes(loc)
	if err != nil {
		return 0, fmt.Errorf("read section %s: %w", s.Name, err)
	}
	return CalculateEntropy(data), nil
}

// rawDataLocation returns the file-backed part of a section's raw data.
// ok is false when nothing of it lies inside the file.
func (img *Image) rawDataLocation(s *Section) (Location, bool) {
	size := int64(s.RawDataSize)
	if end := int64(s.RawDataOffset) + size; end > img.size {
		size = img.size - int64(s.RawDataOffset)
	}
	if size <= 0 {
		return Location{}, false
	}
	return Location{
		FileOffset: int64(s.RawDataOffset),
		RVA:        s.VirtualAddress,
		VA:         img.calc.RVAToVA(s.VirtualAddress),
		FileSize:   uint32(size),
		MemorySize: s.VirtualSize,
		Section:    s,
	}, true
}
