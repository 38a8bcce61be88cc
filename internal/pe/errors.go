package pe

import (
	"errors"
	"fmt"
)

// Sentinels matched by StructuralError and BoundsError through errors.Is.
var (
	ErrStructural = errors.New("structural error")
	ErrBounds     = errors.New("bounds error")
)

// StructuralError reports a table that does not have the shape the format
// requires: a missing sentinel, a declared size overrun, an index outside
// its table or a scan that hit its safety cap.
type StructuralError struct {
	Directory DirectoryType
	Offset    int64
	Msg       string
	Err       error
}

func (e *StructuralError) Error() string {
	s := fmt.Sprintf("%s: %s at offset 0x%X", e.Directory, e.Msg, e.Offset)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStructural) hold for every StructuralError.
func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// BoundsError reports an address that resolves to no section and is not a
// header offset, or that resolves past the end of the file.
type BoundsError struct {
	RVA      uint32
	Offset   int64
	Size     int64
	FileSize int64
	Msg      string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("RVA 0x%X (offset 0x%X, %d bytes) %s (file size %d)",
		e.RVA, e.Offset, e.Size, e.Msg, e.FileSize)
}

// Is makes errors.Is(err, ErrBounds) hold for every BoundsError.
func (e *BoundsError) Is(target error) bool { return target == ErrBounds }

func structuralf(dir DirectoryType, offset int64, format string, args ...any) *StructuralError {
	return &StructuralError{Directory: dir, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

func wrapStructural(dir DirectoryType, offset int64, err error, format string, args ...any) *StructuralError {
	return &StructuralError{Directory: dir, Offset: offset, Msg: fmt.Sprintf(format, args...), Err: err}
}
