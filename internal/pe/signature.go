package pe

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"time"
)

const winCertificateHeaderSize = 8

// PE signature constants (Windows SDK naming convention).
//
//nolint:revive // ALL_CAPS matches Windows SDK naming
const (
	WIN_CERT_REVISION_1_0          = 0x0100
	WIN_CERT_REVISION_2_0          = 0x0200
	WIN_CERT_TYPE_X509             = 0x0001
	WIN_CERT_TYPE_PKCS_SIGNED_DATA = 0x0002
	WIN_CERT_TYPE_TS_STACK_SIGNED  = 0x0004
)

// CertificateInfo contains information about a certificate in the signature chain.
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	IsValid      bool
}

// CertificateEntry is one WIN_CERTIFICATE record of the attribute
// certificate table.
type CertificateEntry struct {
	Location        Location
	Length          uint32
	Revision        uint16
	CertificateType uint16

	// Populated for PKCS#7 signed data.
	DigestAlgorithm string
	Certificates    []CertificateInfo
	// ParseErr holds a PKCS#7 decoding failure; the entry header stays valid.
	ParseErr error
}

// CertificateDirectory is the decoded attribute certificate table. Unlike
// every other directory its address is a file offset.
type CertificateDirectory struct {
	Directory DataDirectory
	Location  Location
	Entries   []*CertificateEntry
}

// DecodeCertificates decodes the attribute certificate table. It returns
// nil, nil when the image is not signed.
func DecodeCertificates(img *Image) (*CertificateDirectory, error) {
	dd, ok := img.dirs.Present(DirCertificate)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}

	loc := img.calc.OffsetToLocation(int64(dd.VirtualAddress), dd.Size)
	if err := img.calc.CheckBounds(loc); err != nil {
		return nil, fmt.Errorf("locate certificate table: %w", err)
	}

	dir := &CertificateDirectory{Directory: dd, Location: loc}
	sr := img.sectionReader(loc.FileOffset, int64(dd.Size))

	var consumed uint32
	for consumed < dd.Size {
		offset := loc.FileOffset + int64(consumed)
		if dd.Size-consumed < winCertificateHeaderSize {
			return dir, structuralf(DirCertificate, offset,
				"%d trailing bytes cannot hold a certificate header", dd.Size-consumed)
		}

		var header [winCertificateHeaderSize]byte
		if _, err := sr.ReadAt(header[:], int64(consumed)); err != nil {
			return dir, wrapStructural(DirCertificate, offset, err, "certificate header unreadable")
		}
		entry := &CertificateEntry{
			Length:          binary.LittleEndian.Uint32(header[0:4]),
			Revision:        binary.LittleEndian.Uint16(header[4:6]),
			CertificateType: binary.LittleEndian.Uint16(header[6:8]),
		}
		if entry.Length < winCertificateHeaderSize || entry.Length > dd.Size-consumed {
			return dir, structuralf(DirCertificate, offset,
				"certificate length %d does not fit the %d bytes left", entry.Length, dd.Size-consumed)
		}
		entry.Location = img.calc.OffsetToLocation(offset, entry.Length)

		if entry.CertificateType == WIN_CERT_TYPE_PKCS_SIGNED_DATA {
			data := make([]byte, entry.Length-winCertificateHeaderSize)
			if len(data) > 0 {
				if _, err := sr.ReadAt(data, int64(consumed)+winCertificateHeaderSize); err != nil {
					return dir, wrapStructural(DirCertificate, offset, err, "certificate data unreadable")
				}
			}
			if err := parsePKCS7(data, entry); err != nil {
				entry.ParseErr = fmt.Errorf("parse PKCS#7 signature: %w", err)
			}
		}
		dir.Entries = append(dir.Entries, entry)

		// entries are padded to an 8-byte boundary
		consumed += (entry.Length + 7) &^ 7
	}

	return dir, nil
}

// PKCS#7 ContentInfo structure.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// PKCS#7 SignedData structure (simplified).
type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo      contentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

func parsePKCS7(data []byte, entry *CertificateEntry) error {
	var content contentInfo
	if _, err := asn1.Unmarshal(data, &content); err != nil {
		return err
	}

	var signed signedData
	if _, err := asn1.Unmarshal(content.Content.Bytes, &signed); err != nil {
		return err
	}

	if len(signed.DigestAlgorithms) > 0 {
		entry.DigestAlgorithm = signed.DigestAlgorithms[0].Algorithm.String()
	}

	if signed.Certificates.Bytes == nil {
		return nil
	}
	certs, err := x509.ParseCertificates(signed.Certificates.Bytes)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, cert := range certs {
		entry.Certificates = append(entry.Certificates, CertificateInfo{
			Subject:      cert.Subject.String(),
			Issuer:       cert.Issuer.String(),
			SerialNumber: fmt.Sprintf("%X", cert.SerialNumber),
			NotBefore:    cert.NotBefore,
			NotAfter:     cert.NotAfter,
			IsValid:      now.After(cert.NotBefore) && now.Before(cert.NotAfter),
		})
	}
	return nil
}
