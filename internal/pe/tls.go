package pe

import (
	"fmt"
)

// IMAGE_TLS_DIRECTORY32 structure.
type tlsDirectory32 struct {
	StartAddressOfRawData uint32
	EndAddressOfRawData   uint32
	AddressOfIndex        uint32
	AddressOfCallBacks    uint32
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

// IMAGE_TLS_DIRECTORY64 structure.
type tlsDirectory64 struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

// TLSCallback is one entry of the callback array.
type TLSCallback struct {
	Location Location // the array slot
	VA       uint64
	RVA      uint32
}

// TLSDirectory is the decoded TLS directory. Address fields are VAs, widened
// to 64 bits for PE32 images.
type TLSDirectory struct {
	Directory             DataDirectory
	Location              Location
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
	Callbacks             []TLSCallback
}

// RawDataSize returns the size of the TLS template.
func (d *TLSDirectory) RawDataSize() uint64 {
	if d.EndAddressOfRawData < d.StartAddressOfRawData {
		return 0
	}
	return d.EndAddressOfRawData - d.StartAddressOfRawData
}

// DecodeTLS decodes the TLS directory and its NULL-terminated callback
// array. It returns nil, nil when the directory is absent.
func DecodeTLS(img *Image) (*TLSDirectory, error) {
	dd, ok := img.dirs.Present(DirTLS)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	var (
		raw  any
		size uint32
	)
	if img.is64 {
		raw, size = &tlsDirectory64{}, 40
	} else {
		raw, size = &tlsDirectory32{}, 24
	}

	loc, err := img.calc.Resolve(dd.VirtualAddress, size)
	if err != nil {
		return nil, fmt.Errorf("locate TLS directory: %w", err)
	}
	if err := readStruct(img.r, loc.FileOffset, raw); err != nil {
		return nil, wrapStructural(DirTLS, loc.FileOffset, err, "TLS directory unreadable")
	}

	dir := &TLSDirectory{Directory: dd, Location: loc}
	switch t := raw.(type) {
	case *tlsDirectory32:
		dir.StartAddressOfRawData = uint64(t.StartAddressOfRawData)
		dir.EndAddressOfRawData = uint64(t.EndAddressOfRawData)
		dir.AddressOfIndex = uint64(t.AddressOfIndex)
		dir.AddressOfCallBacks = uint64(t.AddressOfCallBacks)
		dir.SizeOfZeroFill = t.SizeOfZeroFill
		dir.Characteristics = t.Characteristics
	case *tlsDirectory64:
		dir.StartAddressOfRawData = t.StartAddressOfRawData
		dir.EndAddressOfRawData = t.EndAddressOfRawData
		dir.AddressOfIndex = t.AddressOfIndex
		dir.AddressOfCallBacks = t.AddressOfCallBacks
		dir.SizeOfZeroFill = t.SizeOfZeroFill
		dir.Characteristics = t.Characteristics
	}

	if dir.AddressOfCallBacks == 0 {
		return dir, nil
	}
	callbacks, err := readTLSCallbacks(img, img.calc.VAToRVA(dir.AddressOfCallBacks))
	dir.Callbacks = callbacks
	return dir, err
}

func readTLSCallbacks(img *Image, rva uint32) ([]TLSCallback, error) {
	ptrSize := img.pointerSize()
	var callbacks []TLSCallback
	for i := uint32(0); ; i++ {
		if i >= MaxTLSCallbacks {
			loc := img.calc.RVAToLocation(rva, 0)
			return callbacks, structuralf(DirTLS, loc.FileOffset, "more than %d callbacks", MaxTLSCallbacks)
		}
		slot, err := img.calc.Resolve(rva+i*ptrSize, ptrSize)
		if err != nil {
			return callbacks, fmt.Errorf("TLS callback array: %w", err)
		}
		va, err := readPointerAt(img.r, slot.FileOffset, img.is64)
		if err != nil {
			return callbacks, wrapStructural(DirTLS, slot.FileOffset, err, "callback array not terminated")
		}
		if va == 0 {
			return callbacks, nil
		}
		callbacks = append(callbacks, TLSCallback{
			Location: slot,
			VA:       va,
			RVA:      img.calc.VAToRVA(va),
		})
	}
}
