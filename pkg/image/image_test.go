// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package image

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImage_LayoutSizes(t *testing.T) {
	h := Header{}
	require.Len(t, h.Marshal(), HeaderLen)
	require.Len(t, h.Descriptor.Marshal(), DescriptorLen)
	require.Equal(t, 288, HeaderLen)
}

func TestImage_ParseHeader(t *testing.T) {
	img := Build("1.2.0", WithSize(2100), WithProject("sensor"))
	require.Len(t, img, 2100)

	h, err := ParseHeader(img)
	require.Nil(t, err)
	assert.Equal(t, uint8(ImageMagic), h.Image.Magic)
	assert.Equal(t, uint32(DescriptorMagic), h.Descriptor.MagicWord)
	assert.Equal(t, "1.2.0", h.Descriptor.Version())
	assert.Equal(t, "sensor", h.Descriptor.ProjectName())
	assert.Equal(t, "v5.2", h.Descriptor.SDKVersion())
	assert.Equal(t, "Oct 18 2026 12:00:00", h.Descriptor.BuildTime())

	d, err := ParseDescriptor(img[DescriptorOffset:])
	require.Nil(t, err)
	assert.True(t, d.VersionEqual(&h.Descriptor))
}

func TestImage_ParseHeaderShort(t *testing.T) {
	img := Build("1.2.0")
	_, err := ParseHeader(img[:HeaderLen-1])
	require.ErrorIs(t, err, ErrShortHeader)
	_, err = ParseHeader(img[:HeaderLen])
	require.Nil(t, err)
}

func TestImage_VersionTruncatedToField(t *testing.T) {
	var d Descriptor
	long := string(bytes.Repeat([]byte("v"), 40))
	d.SetVersion(long)
	assert.Equal(t, long[:VersionLen-1], d.Version())
	assert.Equal(t, byte(0), d.VersionRaw[VersionLen-1])
}

func TestImage_VersionEqualComparesWholeField(t *testing.T) {
	var a, b Descriptor
	a.SetVersion("1.1.0")
	b.SetVersion("1.1.0")
	require.True(t, a.VersionEqual(&b))
	b.VersionRaw[VersionLen-1] = 'x'
	require.Equal(t, a.Version(), b.Version())
	require.False(t, a.VersionEqual(&b))
	require.False(t, a.VersionEqual(nil))
}

func TestImage_Validate(t *testing.T) {
	img := Build("2.0.0", WithSize(4096))
	h, err := Validate(bytes.NewReader(img), int64(len(img)))
	require.Nil(t, err)
	assert.Equal(t, "2.0.0", h.Descriptor.Version())

	corrupt := bytes.Clone(img)
	corrupt[1000] ^= 0xff
	_, err = Validate(bytes.NewReader(corrupt), int64(len(corrupt)))
	require.ErrorIs(t, err, ErrHashMismatch)

	badMagic := bytes.Clone(img)
	badMagic[0] = 0
	_, err = Validate(bytes.NewReader(badMagic), int64(len(badMagic)))
	require.ErrorIs(t, err, ErrBadImageMagic)

	badDesc := bytes.Clone(img)
	badDesc[DescriptorOffset] = 0
	_, err = Validate(bytes.NewReader(badDesc), int64(len(badDesc)))
	require.ErrorIs(t, err, ErrBadDescriptorMagic)

	_, err = Validate(bytes.NewReader(img[:100]), 100)
	require.ErrorIs(t, err, ErrTooSmall)
}

func TestImage_CheckMagic(t *testing.T) {
	img := Build("2.0.0", WithSize(1024))
	h, err := ParseHeader(img)
	require.Nil(t, err)
	require.Nil(t, h.CheckMagic())

	h, err = ParseHeader(bytes.Repeat([]byte{0x41}, HeaderLen))
	require.Nil(t, err)
	require.ErrorIs(t, h.CheckMagic(), ErrBadImageMagic)

	badDesc := bytes.Clone(img)
	badDesc[DescriptorOffset+1] ^= 0x01
	h, err = ParseHeader(badDesc)
	require.Nil(t, err)
	require.ErrorIs(t, h.CheckMagic(), ErrBadDescriptorMagic)
}

func TestImage_ValidateWithoutDigest(t *testing.T) {
	img := Build("2.0.0", WithHashAppended(false), WithSize(1024))
	img[900] ^= 0xff
	_, err := Validate(bytes.NewReader(img), int64(len(img)))
	require.Nil(t, err)
}
