package pe

import (
	"encoding/binary"
	"errors"
	"io"
)

// ChecksumInfo contains PE checksum verification results.
type ChecksumInfo struct {
	Stored   uint32
	Computed uint32
	Valid    bool
}

// VerifyChecksum recomputes the image checksum and compares it with the
// optional header value. A stored value of zero means the image is not
// checksummed and is reported as valid.
func (img *Image) VerifyChecksum() (*ChecksumInfo, error) {
	stored := img.header.CheckSum
	computed, err := CalculatePEChecksum(img.r, img.size, img.header.CheckSumOffset())
	if err != nil {
		return nil, err
	}
	return &ChecksumInfo{
		Stored:   stored,
		Computed: computed,
		Valid:    stored == 0 || stored == computed,
	}, nil
}

// CalculatePEChecksum computes the image checksum: a 16-bit ones' complement
// sum of the file's words, skipping the 4-byte field at checksumOffset, plus
// the file size. A trailing partial DWORD is zero-padded. Pass a negative
// checksumOffset to skip nothing.
func CalculatePEChecksum(r io.ReaderAt, filesize int64, checksumOffset int64) (uint32, error) {
	var sum uint64
	buf := make([]byte, 64*1024)

	for base := int64(0); base < filesize; base += int64(len(buf)) {
		chunk := buf
		if rest := filesize - base; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, err := r.ReadAt(chunk, base)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		// zero-pad a short read so the final DWORD is complete
		for i := n; i < len(chunk); i++ {
			chunk[i] = 0
		}
		if pad := len(chunk) % 4; pad != 0 {
			chunk = append(chunk, make([]byte, 4-pad)...)
		}

		for i := 0; i < len(chunk); i += 4 {
			offset := base + int64(i)
			if checksumOffset >= 0 && offset == checksumOffset {
				continue
			}
			sum += uint64(binary.LittleEndian.Uint32(chunk[i:]))
			sum = (sum & 0xFFFFFFFF) + (sum >> 32)
		}
	}

	sum = (sum & 0xFFFF) + (sum >> 16)
	sum += sum >> 16
	sum &= 0xFFFF
	sum += uint64(filesize)
	return uint32(sum), nil
}
