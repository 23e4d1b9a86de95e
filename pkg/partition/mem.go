// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/foundriesio/fwota/pkg/image"
)

type (
	// MemDirectory is an in-memory partition table. Faults can be injected
	// through its exported fields; the counters record every call made by a
	// write session.
	MemDirectory struct {
		mu          sync.Mutex
		parts       []*Partition
		data        map[string][]byte
		states      map[string]State
		versions    map[string]string
		running     int
		boot        int
		lastInvalid int

		// FailBegin makes Begin fail with the given error.
		FailBegin error
		// FailWriteAt makes the n-th Write (1-based) fail with FailWrite.
		FailWriteAt int
		FailWrite   error
		// FailEnd makes End fail with the given error after the data was kept.
		FailEnd     error
		FailSetBoot error

		Begins   int
		Writes   int
		Ends     int
		Aborts   int
		SetBoots int
	}

	memWriter struct {
		d      *MemDirectory
		p      *Partition
		buf    bytes.Buffer
		closed bool
	}
)

// NewMemDirectory creates a table of partitions with the given labels, all of
// the given size. The first partition is running and configured for boot.
func NewMemDirectory(size int64, labels ...string) *MemDirectory {
	d := &MemDirectory{
		data:        map[string][]byte{},
		states:      map[string]State{},
		versions:    map[string]string{},
		lastInvalid: -1,
	}
	for i, l := range labels {
		d.parts = append(d.parts, &Partition{Label: l, Index: i, Size: size})
		d.states[l] = StateEmpty
	}
	if len(labels) > 0 {
		d.states[labels[0]] = StateValid
	}
	return d
}

// SetImage stores a complete image into a partition without a write session.
func (d *MemDirectory) SetImage(label string, img []byte, state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[label] = bytes.Clone(img)
	d.states[label] = state
}

// SetVersion records the version of a partition without storing an image.
func (d *MemDirectory) SetVersion(label, version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versions[label] = version
}

// MarkInvalid flags a partition the way the bootloader does after a failed
// first boot of its image.
func (d *MemDirectory) MarkInvalid(label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(label); i >= 0 {
		d.states[label] = StateInvalid
		d.lastInvalid = i
	}
}

func (d *MemDirectory) Data(label string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.data[label])
}

func (d *MemDirectory) State(label string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[label]
}

func (d *MemDirectory) index(label string) int {
	for i, p := range d.parts {
		if p.Label == label {
			return i
		}
	}
	return -1
}

func (d *MemDirectory) get(i int) (*Partition, error) {
	if i < 0 || i >= len(d.parts) {
		return nil, ErrUnknown
	}
	p := *d.parts[i]
	return &p, nil
}

func (d *MemDirectory) Running() (*Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.get(d.running)
}

func (d *MemDirectory) Boot() (*Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.get(d.boot)
}

func (d *MemDirectory) NextUpdate() (*Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.parts) < 2 {
		return nil, ErrNoUpdateTarget
	}
	return d.get((d.running + 1) % len(d.parts))
}

func (d *MemDirectory) LastInvalid() (*Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastInvalid < 0 {
		return nil, nil
	}
	return d.get(d.lastInvalid)
}

func (d *MemDirectory) Description(p *Partition) (*image.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p == nil || d.index(p.Label) < 0 {
		return nil, ErrUnknown
	}
	if img, ok := d.data[p.Label]; ok {
		if len(img) < image.HeaderLen {
			return nil, ErrNoDescriptor
		}
		h, err := image.ParseHeader(img)
		if err != nil || h.Descriptor.MagicWord != image.DescriptorMagic {
			return nil, ErrNoDescriptor
		}
		return &h.Descriptor, nil
	}
	if v, ok := d.versions[p.Label]; ok {
		desc := &image.Descriptor{MagicWord: image.DescriptorMagic}
		desc.SetVersion(v)
		return desc, nil
	}
	return nil, ErrNoDescriptor
}

func (d *MemDirectory) SetBoot(p *Partition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SetBoots++
	if d.FailSetBoot != nil {
		return d.FailSetBoot
	}
	i := -1
	if p != nil {
		i = d.index(p.Label)
	}
	if i < 0 {
		return ErrUnknown
	}
	if !d.states[p.Label].Bootable() {
		return fmt.Errorf("%w: %s is %s", ErrNotBootable, p.Label, d.states[p.Label])
	}
	d.boot = i
	return nil
}

func (d *MemDirectory) Begin(p *Partition) (Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Begins++
	if d.FailBegin != nil {
		return nil, d.FailBegin
	}
	if p == nil || d.index(p.Label) < 0 {
		return nil, ErrUnknown
	}
	if d.index(p.Label) == d.running {
		return nil, ErrIsRunning
	}
	delete(d.data, p.Label)
	delete(d.versions, p.Label)
	d.states[p.Label] = StateWriting
	return &memWriter{d: d, p: p}, nil
}

// Restart simulates a reboot: the partition configured for boot becomes the
// running one.
func (d *MemDirectory) Restart() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = d.boot
}

func (d *MemDirectory) List() ([]Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var infos []Info
	for i, p := range d.parts {
		info := Info{
			Partition: *p,
			State:     d.states[p.Label],
			Length:    int64(len(d.data[p.Label])),
			UpdatedAt: time.Time{},
			Running:   i == d.running,
			Boot:      i == d.boot,
		}
		if img, ok := d.data[p.Label]; ok {
			if h, err := image.ParseHeader(img); err == nil {
				info.Version = h.Descriptor.Version()
			}
		} else {
			info.Version = d.versions[p.Label]
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (w *memWriter) Write(b []byte) (int, error) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.closed {
		return 0, ErrSessionClosed
	}
	w.d.Writes++
	if w.d.FailWriteAt > 0 && w.d.Writes == w.d.FailWriteAt {
		return 0, w.d.FailWrite
	}
	if int64(w.buf.Len()+len(b)) > w.p.Size {
		return 0, ErrPartitionFull
	}
	return w.buf.Write(b)
}

func (w *memWriter) End() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.closed {
		return ErrSessionClosed
	}
	w.closed = true
	w.d.Ends++
	img := bytes.Clone(w.buf.Bytes())
	w.d.data[w.p.Label] = img
	if w.d.FailEnd != nil {
		w.d.states[w.p.Label] = StateCorrupt
		return w.d.FailEnd
	}
	if _, err := image.Validate(bytes.NewReader(img), int64(len(img))); err != nil {
		w.d.states[w.p.Label] = StateCorrupt
		return err
	}
	w.d.states[w.p.Label] = StateNew
	return nil
}

func (w *memWriter) Abort() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.d.Aborts++
	w.d.states[w.p.Label] = StateAborted
	return nil
}
