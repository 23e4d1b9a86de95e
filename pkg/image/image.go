// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

// Package image decodes the fixed-layout prefix of an application firmware
// image and validates complete images written to a partition.
//
// The layout is the one produced by the ESP-IDF build system: an image header,
// the header of the first segment and, at the start of that segment, the
// application descriptor carrying the version string.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	ImageHeaderLen   = 24
	SegmentHeaderLen = 8
	DescriptorLen    = 256
	// HeaderLen is the number of leading bytes that must be available before the
	// version of an image can be read.
	HeaderLen = ImageHeaderLen + SegmentHeaderLen + DescriptorLen

	ImageMagic      = 0xE9
	DescriptorMagic = 0xABCD5432

	VersionLen     = 32
	ProjectNameLen = 32
	TimeLen        = 16
	DateLen        = 16
	SDKVersionLen  = 32
	ELFSHA256Len   = 32

	// DescriptorOffset is where the application descriptor starts within an image.
	DescriptorOffset = ImageHeaderLen + SegmentHeaderLen
)

var (
	ErrShortHeader        = errors.New("image header is truncated")
	ErrBadImageMagic      = errors.New("invalid image magic")
	ErrBadDescriptorMagic = errors.New("invalid application descriptor magic")
	ErrHashMismatch       = errors.New("image SHA-256 mismatch")
	ErrTooSmall           = errors.New("image is smaller than its header")
)

type (
	ImageHeader struct {
		Magic          uint8
		SegmentCount   uint8
		SPIMode        uint8
		SPISpeedSize   uint8
		EntryAddr      uint32
		WPPin          uint8
		SPIPinDrv      [3]uint8
		ChipID         uint16
		MinChipRev     uint8
		MinChipRevFull uint16
		MaxChipRevFull uint16
		Reserved       [4]uint8
		HashAppended   uint8
	}

	SegmentHeader struct {
		LoadAddr uint32
		DataLen  uint32
	}

	Descriptor struct {
		MagicWord     uint32
		SecureVersion uint32
		Reserved1     [2]uint32
		VersionRaw    [VersionLen]byte
		ProjectRaw    [ProjectNameLen]byte
		TimeRaw       [TimeLen]byte
		DateRaw       [DateLen]byte
		SDKVersionRaw [SDKVersionLen]byte
		ELFSHA256     [ELFSHA256Len]byte
		MinEfuseRev   uint16
		MaxEfuseRev   uint16
		MMUPageSize   uint8
		Reserved3     [3]uint8
		Reserved2     [18]uint32
	}

	// Header is the decoded HeaderLen-byte prefix of an image.
	Header struct {
		Image      ImageHeader
		Segment    SegmentHeader
		Descriptor Descriptor
	}
)

// ParseHeader decodes the first HeaderLen bytes of b. Magic numbers are not
// checked here; they are checked when the complete image is validated.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrShortHeader, len(b), HeaderLen)
	}
	var h Header
	r := bytes.NewReader(b[:HeaderLen])
	for _, v := range []any{&h.Image, &h.Segment, &h.Descriptor} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to decode image header: %w", err)
		}
	}
	return &h, nil
}

// ParseDescriptor decodes a standalone application descriptor.
func ParseDescriptor(b []byte) (*Descriptor, error) {
	if len(b) < DescriptorLen {
		return nil, fmt.Errorf("%w: descriptor has %d bytes, need %d", ErrShortHeader, len(b), DescriptorLen)
	}
	var d Descriptor
	if err := binary.Read(bytes.NewReader(b[:DescriptorLen]), binary.LittleEndian, &d); err != nil {
		return nil, fmt.Errorf("failed to decode application descriptor: %w", err)
	}
	return &d, nil
}

func (d *Descriptor) Version() string     { return cString(d.VersionRaw[:]) }
func (d *Descriptor) ProjectName() string { return cString(d.ProjectRaw[:]) }
func (d *Descriptor) SDKVersion() string  { return cString(d.SDKVersionRaw[:]) }
func (d *Descriptor) BuildTime() string {
	return cString(d.DateRaw[:]) + " " + cString(d.TimeRaw[:])
}

// VersionEqual compares the complete fixed-size version fields, including any
// bytes after the terminating NUL.
func (d *Descriptor) VersionEqual(o *Descriptor) bool {
	if d == nil || o == nil {
		return false
	}
	return d.VersionRaw == o.VersionRaw
}

func (d *Descriptor) Marshal() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, d)
	return buf.Bytes()
}

func (h *Header) Marshal() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &h.Image)
	_ = binary.Write(&buf, binary.LittleEndian, &h.Segment)
	_ = binary.Write(&buf, binary.LittleEndian, &h.Descriptor)
	return buf.Bytes()
}

// SetVersion stores v into the fixed-size version field, truncating it so that
// a terminating NUL always fits.
func (d *Descriptor) SetVersion(v string) {
	setCString(d.VersionRaw[:], v)
}

func (d *Descriptor) SetProject(v string) {
	setCString(d.ProjectRaw[:], v)
}

// CheckMagic verifies the magic numbers of the image header and of the
// application descriptor.
func (h *Header) CheckMagic() error {
	if h.Image.Magic != ImageMagic {
		return fmt.Errorf("%w: 0x%02x", ErrBadImageMagic, h.Image.Magic)
	}
	if h.Descriptor.MagicWord != DescriptorMagic {
		return fmt.Errorf("%w: 0x%08x", ErrBadDescriptorMagic, h.Descriptor.MagicWord)
	}
	return nil
}

// Validate checks a complete image of the given size: both magic numbers and,
// when the image header says so, the SHA-256 digest appended to the image.
func Validate(r io.ReaderAt, size int64) (*Header, error) {
	if size < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, size)
	}
	prefix := make([]byte, HeaderLen)
	if _, err := r.ReadAt(prefix, 0); err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	h, err := ParseHeader(prefix)
	if err != nil {
		return nil, err
	}
	if err := h.CheckMagic(); err != nil {
		return h, err
	}
	if h.Image.HashAppended == 0 {
		return h, nil
	}
	if size < HeaderLen+sha256.Size {
		return h, fmt.Errorf("%w: no room for the appended digest", ErrTooSmall)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, io.NewSectionReader(r, 0, size-sha256.Size)); err != nil {
		return h, fmt.Errorf("failed to hash image: %w", err)
	}
	appended := make([]byte, sha256.Size)
	if _, err := r.ReadAt(appended, size-sha256.Size); err != nil {
		return h, fmt.Errorf("failed to read appended digest: %w", err)
	}
	if !bytes.Equal(hasher.Sum(nil), appended) {
		return h, ErrHashMismatch
	}
	return h, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func setCString(dst []byte, v string) {
	clear(dst)
	copy(dst[:len(dst)-1], v)
}
