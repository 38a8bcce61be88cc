package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Safety caps for scans whose length is controlled by the image.
const (
	MaxNameLength        = 4096
	MaxThunks            = 0x10000
	MaxImportDescriptors = 0x4000
	MaxExceptionEntries  = 0x100000
	MaxTLSCallbacks      = 0x400
)

var errNameTooLong = errors.New("string exceeds maximum length")

// readCString reads a NUL-terminated string at offset, scanning at most
// MaxNameLength bytes.
func readCString(r io.ReaderAt, offset int64) (string, error) {
	var (
		result []byte
		buf    [64]byte
	)
	for len(result) < MaxNameLength {
		n, err := r.ReadAt(buf[:], offset+int64(len(result)))
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			result = append(result, buf[:i]...)
			if len(result) > MaxNameLength {
				break
			}
			return string(result), nil
		}
		result = append(result, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
	}
	return "", errNameTooLong
}

func readUint16At(r io.ReaderAt, offset int64) (uint16, error) {
	var b [2]byte
	if _, err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readUint32At(r io.ReaderAt, offset int64) (uint32, error) {
	var b [4]byte
	if _, err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// readPointerAt reads a 4 or 8 byte little-endian value.
func readPointerAt(r io.ReaderAt, offset int64, is64 bool) (uint64, error) {
	if !is64 {
		v, err := readUint32At(r, offset)
		return uint64(v), err
	}
	var b [8]byte
	if _, err := r.ReadAt(b[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// readStruct decodes a fixed-size little-endian record at offset.
func readStruct(r io.ReaderAt, offset int64, v any) error {
	size := binary.Size(v)
	return binary.Read(io.NewSectionReader(r, offset, int64(size)), binary.LittleEndian, v)
}
