package pe

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

const (
	runtimeFunctionSize  = 12
	unwindInfoHeaderSize = 4
)

// UnwindFlags are the UNW_FLAG_* bits of an unwind info record.
type UnwindFlags uint8

// Unwind flags. The decoder tests each bit on its own.
const (
	UnwindFlagExceptionHandler   UnwindFlags = 0x1
	UnwindFlagTerminationHandler UnwindFlags = 0x2
	UnwindFlagChainInfo          UnwindFlags = 0x4
)

func (f UnwindFlags) String() string {
	if f == 0 {
		return "NHANDLER"
	}
	var s string
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f&UnwindFlagExceptionHandler != 0 {
		add("EHANDLER")
	}
	if f&UnwindFlagTerminationHandler != 0 {
		add("UHANDLER")
	}
	if f&UnwindFlagChainInfo != 0 {
		add("CHAININFO")
	}
	if rest := f &^ (UnwindFlagExceptionHandler | UnwindFlagTerminationHandler | UnwindFlagChainInfo); rest != 0 {
		add(fmt.Sprintf("0x%X", uint8(rest)))
	}
	return s
}

// UnwindOp is the operation code of an unwind code slot.
type UnwindOp uint8

// Unwind operation codes.
const (
	UnwindOpPushNonVolatile    UnwindOp = 0
	UnwindOpAllocLarge         UnwindOp = 1
	UnwindOpAllocSmall         UnwindOp = 2
	UnwindOpSetFramePointer    UnwindOp = 3
	UnwindOpSaveNonVolatile    UnwindOp = 4
	UnwindOpSaveNonVolatileFar UnwindOp = 5
	UnwindOpEpilog             UnwindOp = 6
	UnwindOpSpareCode          UnwindOp = 7
	UnwindOpSaveXMM128         UnwindOp = 8
	UnwindOpSaveXMM128Far      UnwindOp = 9
	UnwindOpPushMachineFrame   UnwindOp = 10
)

var unwindOpNames = [...]string{
	"PUSH_NONVOL", "ALLOC_LARGE", "ALLOC_SMALL", "SET_FPREG", "SAVE_NONVOL",
	"SAVE_NONVOL_FAR", "EPILOG", "SPARE_CODE", "SAVE_XMM128", "SAVE_XMM128_FAR",
	"PUSH_MACHFRAME",
}

func (op UnwindOp) String() string {
	if int(op) < len(unwindOpNames) {
		return unwindOpNames[op]
	}
	return fmt.Sprintf("UWOP(%d)", uint8(op))
}

// UnwindCode is one 16-bit unwind code slot. Multi-slot operations keep
// their extra slots as separate entries.
type UnwindCode struct {
	OffsetInProlog uint8
	Code           UnwindOp
	Operand        uint8
	Raw            uint16
}

// RuntimeFunction represents RUNTIME_FUNCTION.
type RuntimeFunction struct {
	StartAddress      uint32
	EndAddress        uint32
	UnwindInfoAddress uint32
}

// UnwindInfo is the decoded UNWIND_INFO record of one function.
type UnwindInfo struct {
	Location      Location
	Version       uint8
	Flags         UnwindFlags
	SizeOfProlog  uint8
	CountOfCodes  uint8
	FrameRegister uint8
	FrameOffset   uint8
	Codes         []UnwindCode

	HasHandler     bool
	HandlerAddress uint32

	// Chained is set when UnwindFlagChainInfo is present. It is not followed.
	Chained *RuntimeFunction
}

// ExceptionEntry is one runtime function of the exception table. Its unwind
// info is decoded on first request and cached; concurrent callers are safe.
type ExceptionEntry struct {
	Location Location
	RuntimeFunction

	img       *Image
	once      sync.Once
	unwind    *UnwindInfo
	unwindErr error
}

// UnwindInfo decodes the unwind info record once and returns the cached
// result on later calls.
func (e *ExceptionEntry) UnwindInfo() (*UnwindInfo, error) {
	e.once.Do(func() {
		e.unwind, e.unwindErr = decodeUnwindInfo(e.img, e.UnwindInfoAddress)
	})
	return e.unwind, e.unwindErr
}

// Contains reports whether rva lies in [StartAddress, EndAddress).
func (e *ExceptionEntry) Contains(rva uint32) bool {
	return rva >= e.StartAddress && rva < e.EndAddress
}

// ExceptionDirectory is the decoded x64 exception table.
type ExceptionDirectory struct {
	Directory DataDirectory
	Location  Location
	Entries   []*ExceptionEntry
}

// FunctionFor returns the entry whose range contains rva. Entries are sorted
// by start address in well-formed images.
func (d *ExceptionDirectory) FunctionFor(rva uint32) *ExceptionEntry {
	i := sort.Search(len(d.Entries), func(i int) bool { return d.Entries[i].EndAddress > rva })
	if i < len(d.Entries) && d.Entries[i].Contains(rva) {
		return d.Entries[i]
	}
	return nil
}

// DecodeExceptions decodes the Exception directory of an x64 image. It
// returns nil, nil when the directory is absent or the image is not x64.
// Entries are read until a zero start/end sentinel or the end of the
// directory.
func DecodeExceptions(img *Image) (*ExceptionDirectory, error) {
	if !img.is64 || img.header.Machine == pe.IMAGE_FILE_MACHINE_ARM64 {
		return nil, nil
	}
	dd, ok := img.dirs.Present(DirException)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	loc, err := img.calc.Resolve(dd.VirtualAddress, dd.Size)
	if err != nil {
		return nil, fmt.Errorf("locate exception table: %w", err)
	}

	dir := &ExceptionDirectory{Directory: dd, Location: loc}
	sr := img.sectionReader(loc.FileOffset, int64(dd.Size))
	count := dd.Size / runtimeFunctionSize
	if count > MaxExceptionEntries {
		return dir, structuralf(DirException, loc.FileOffset,
			"%d entries exceed the limit of %d", count, MaxExceptionEntries)
	}

	var rec [runtimeFunctionSize]byte
	for i := uint32(0); i < count; i++ {
		rel := int64(i * runtimeFunctionSize)
		if _, err := sr.ReadAt(rec[:], rel); err != nil {
			return dir, wrapStructural(DirException, loc.FileOffset+rel, err, "runtime function unreadable")
		}
		fn := RuntimeFunction{
			StartAddress:      binary.LittleEndian.Uint32(rec[0:4]),
			EndAddress:        binary.LittleEndian.Uint32(rec[4:8]),
			UnwindInfoAddress: binary.LittleEndian.Uint32(rec[8:12]),
		}
		if fn.StartAddress == 0 && fn.EndAddress == 0 {
			return dir, nil
		}
		dir.Entries = append(dir.Entries, &ExceptionEntry{
			Location:        img.calc.RVAToLocation(dd.VirtualAddress+i*runtimeFunctionSize, runtimeFunctionSize),
			RuntimeFunction: fn,
			img:             img,
		})
	}

	if rest := dd.Size % runtimeFunctionSize; rest != 0 {
		return dir, structuralf(DirException, loc.FileOffset+int64(count*runtimeFunctionSize),
			"%d trailing bytes after the last runtime function", rest)
	}
	return dir, nil
}

// PrecomputeUnwindInfo decodes the unwind info of every entry up front and
// returns the failures keyed by entry index.
func (d *ExceptionDirectory) PrecomputeUnwindInfo() map[int]error {
	errs := make(map[int]error)
	for i, e := range d.Entries {
		if _, err := e.UnwindInfo(); err != nil {
			errs[i] = err
		}
	}
	return errs
}

func decodeUnwindInfo(img *Image, rva uint32) (*UnwindInfo, error) {
	loc, err := img.calc.Resolve(rva, unwindInfoHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("unwind info: %w", err)
	}
	sr := img.sectionReader(loc.FileOffset, img.size-loc.FileOffset)

	var head [unwindInfoHeaderSize]byte
	if _, err := sr.ReadAt(head[:], 0); err != nil {
		return nil, wrapStructural(DirException, loc.FileOffset, err, "unwind info header unreadable")
	}
	u := &UnwindInfo{
		Version:       head[0] & 0x7,
		Flags:         UnwindFlags(head[0] >> 3),
		SizeOfProlog:  head[1],
		CountOfCodes:  head[2],
		FrameRegister: head[3] & 0xF,
		FrameOffset:   head[3] >> 4,
	}

	// The code array is padded to an even number of slots so that the
	// trailing fields stay 4-byte aligned.
	slots := uint32(u.CountOfCodes)
	slots += slots & 1
	codes := make([]byte, 2*slots)
	if _, err := sr.ReadAt(codes, unwindInfoHeaderSize); err != nil {
		return nil, wrapStructural(DirException, loc.FileOffset, err, "unwind codes unreadable")
	}
	u.Codes = make([]UnwindCode, u.CountOfCodes)
	for i := range u.Codes {
		raw := binary.LittleEndian.Uint16(codes[i*2:])
		u.Codes[i] = UnwindCode{
			OffsetInProlog: uint8(raw),
			Code:           UnwindOp((raw >> 8) & 0xF),
			Operand:        uint8(raw >> 12),
			Raw:            raw,
		}
	}
	size := unwindInfoHeaderSize + 2*slots

	if u.Flags&(UnwindFlagExceptionHandler|UnwindFlagTerminationHandler) != 0 {
		var b [4]byte
		if _, err := sr.ReadAt(b[:], int64(size)); err != nil {
			return nil, wrapStructural(DirException, loc.FileOffset+int64(size), err, "handler address unreadable")
		}
		u.HasHandler = true
		u.HandlerAddress = binary.LittleEndian.Uint32(b[:])
		size += 4
	}

	if u.Flags&UnwindFlagChainInfo != 0 {
		var b [runtimeFunctionSize]byte
		if _, err := sr.ReadAt(b[:], int64(size)); err != nil {
			return nil, wrapStructural(DirException, loc.FileOffset+int64(size), err, "chained function unreadable")
		}
		u.Chained = &RuntimeFunction{
			StartAddress:      binary.LittleEndian.Uint32(b[0:4]),
			EndAddress:        binary.LittleEndian.Uint32(b[4:8]),
			UnwindInfoAddress: binary.LittleEndian.Uint32(b[8:12]),
		}
		size += runtimeFunctionSize
	}

	loc.FileSize, loc.MemorySize = size, size
	u.Location = loc
	return u, nil
}
