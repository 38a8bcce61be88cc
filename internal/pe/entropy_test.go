package pe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateEntropy(t *testing.T) {
	every := make([]byte, 0x200)
	for i := range every {
		every[i] = byte(i)
	}

	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{name: "empty", data: nil, want: 0},
		{name: "single byte", data: []byte{0xCC}, want: 0},
		{name: "zero fill", data: make([]byte, 0x1000), want: 0},
		{name: "two values evenly", data: bytes.Repeat([]byte{0x90, 0xC3}, 64), want: 1},
		{name: "four values evenly", data: bytes.Repeat([]byte{0, 1, 2, 3}, 16), want: 2},
		{name: "every value twice", data: every, want: 8},
		{name: "skewed pair", data: []byte{0, 0, 0, 1}, want: 0.8112781244591328},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CalculateEntropy(tt.data), 1e-9)
		})
	}
}

func TestSectionEntropy(t *testing.T) {
	b := newImageBuilder(t, false)
	b.addSection(".text", 0x1000, 0x200, textCharacteristics)
	b.addSection(".data", 0x2000, 0x100, dataCharacteristics)
	code := make([]byte, 0x200)
	for i := range code {
		code[i] = byte(i)
	}
	b.putBytes(0x1000, code)
	img := b.open()

	sections := img.Sections().All()
	require.Len(t, sections, 2)

	packed, err := img.SectionEntropy(sections[0])
	require.NoError(t, err)
	assert.InDelta(t, 8.0, packed, 1e-9)
	assert.Greater(t, packed, HighEntropy)

	zeroed, err := img.SectionEntropy(sections[1])
	require.NoError(t, err)
	assert.Zero(t, zeroed)

	beyond := &Section{Name: ".gone", RawDataOffset: uint32(img.Size()) + 0x200, RawDataSize: 0x200}
	missing, err := img.SectionEntropy(beyond)
	require.NoError(t, err)
	assert.Zero(t, missing)

	clipped := *sections[1]
	clipped.RawDataSize = 0x10000
	partial, err := img.SectionEntropy(&clipped)
	require.NoError(t, err)
	assert.Zero(t, partial, "only the bytes inside the file are measured")
}
