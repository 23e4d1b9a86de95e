// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package image

import (
	"crypto/sha256"
)

type (
	BuildOpts struct {
		Project      string
		Size         int
		HashAppended bool
	}
	BuildOpt func(*BuildOpts)
)

func WithProject(name string) BuildOpt {
	return func(o *BuildOpts) {
		o.Project = name
	}
}

// WithSize sets the total image length, digest included.
func WithSize(size int) BuildOpt {
	return func(o *BuildOpts) {
		o.Size = size
	}
}

func WithHashAppended(enabled bool) BuildOpt {
	return func(o *BuildOpts) {
		o.HashAppended = enabled
	}
}

// Build assembles a well-formed image carrying the given version. It is used
// to produce images for local testing and by the package tests.
func Build(version string, options ...BuildOpt) []byte {
	opts := &BuildOpts{
		Project:      "fwota",
		Size:         2 * HeaderLen,
		HashAppended: true,
	}
	for _, o := range options {
		o(opts)
	}
	minSize := HeaderLen
	if opts.HashAppended {
		minSize += sha256.Size
	}
	if opts.Size < minSize {
		opts.Size = minSize
	}

	h := Header{}
	h.Image.Magic = ImageMagic
	h.Image.SegmentCount = 1
	h.Image.EntryAddr = 0x40080000
	if opts.HashAppended {
		h.Image.HashAppended = 1
	}
	h.Segment.LoadAddr = 0x3f400020
	h.Segment.DataLen = uint32(opts.Size - ImageHeaderLen - SegmentHeaderLen)
	h.Descriptor.MagicWord = DescriptorMagic
	h.Descriptor.SetVersion(version)
	h.Descriptor.SetProject(opts.Project)
	copy(h.Descriptor.DateRaw[:], "Oct 18 2026")
	copy(h.Descriptor.TimeRaw[:], "12:00:00")
	copy(h.Descriptor.SDKVersionRaw[:], "v5.2")

	img := make([]byte, opts.Size)
	copy(img, h.Marshal())
	body := img[HeaderLen:]
	if opts.HashAppended {
		body = img[HeaderLen : opts.Size-sha256.Size]
	}
	for i := range body {
		body[i] = byte(i % 251)
	}
	if opts.HashAppended {
		sum := sha256.Sum256(img[:opts.Size-sha256.Size])
		copy(img[opts.Size-sha256.Size:], sum[:])
	}
	return img
}
