// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/foundriesio/fwota/pkg/image"
	_ "modernc.org/sqlite"
)

type (
	// FileStore keeps each partition's image in a file under Dir and the boot
	// data (boot pointer, running partition, per-partition state) in sqlite.
	FileStore struct {
		dir    string
		dbPath string
		parts  []*Partition
	}

	FileStoreOpts struct {
		Dir    string
		DBPath string
		Labels []string
		Size   int64
	}

	fileWriter struct {
		s       *FileStore
		p       *Partition
		f       *os.File
		written int64
		closed  bool
	}
)

// NewFileStore opens the store, creating the partition files' directory and
// the boot data tables as needed. A fresh store boots its first partition.
func NewFileStore(opts FileStoreOpts) (*FileStore, error) {
	if len(opts.Labels) == 0 {
		return nil, fmt.Errorf("no partitions configured")
	}
	if opts.Size <= image.HeaderLen {
		return nil, fmt.Errorf("partition size %d is too small", opts.Size)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flash directory %s: %w", opts.Dir, err)
	}
	s := &FileStore{dir: opts.Dir, dbPath: opts.DBPath}
	for i, l := range opts.Labels {
		s.parts = append(s.parts, &Partition{Label: l, Index: i, Size: opts.Size})
	}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) withDB(fn func(db *sql.DB) error) error {
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()
	return fn(db)
}

func (s *FileStore) createTables() error {
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS partitions(
	label TEXT PRIMARY KEY,
	idx INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT 'empty',
	version TEXT NOT NULL DEFAULT '',
	length INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS otadata(
	id INTEGER PRIMARY KEY CHECK (id = 1),
	boot TEXT NOT NULL,
	running TEXT NOT NULL,
	previous TEXT NOT NULL DEFAULT ''
);`)
		if err != nil {
			return fmt.Errorf("failed to create boot data tables: %w", err)
		}
		for _, p := range s.parts {
			state := StateEmpty
			if p.Index == 0 {
				// The first partition holds the factory image
				state = StateValid
			}
			if _, err := db.Exec("INSERT OR IGNORE INTO partitions(label, idx, state, updated_at) VALUES(?, ?, ?, ?);",
				p.Label, p.Index, state, time.Now().UnixNano()); err != nil {
				return fmt.Errorf("failed to register partition %s: %w", p.Label, err)
			}
		}
		_, err = db.Exec("INSERT OR IGNORE INTO otadata(id, boot, running) VALUES(1, ?, ?);", s.parts[0].Label, s.parts[0].Label)
		if err != nil {
			return fmt.Errorf("failed to initialize boot data: %w", err)
		}
		return nil
	})
}

func (s *FileStore) byLabel(label string) (*Partition, error) {
	for _, p := range s.parts {
		if p.Label == label {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, label)
}

func (s *FileStore) path(p *Partition) string {
	return filepath.Join(s.dir, p.Label+".bin")
}

func (s *FileStore) otadata() (boot, running, previous string, err error) {
	err = s.withDB(func(db *sql.DB) error {
		return db.QueryRow("SELECT boot, running, previous FROM otadata WHERE id = 1;").Scan(&boot, &running, &previous)
	})
	if err != nil {
		err = fmt.Errorf("failed to read boot data: %w", err)
	}
	return
}

func (s *FileStore) state(label string) (State, error) {
	var state string
	err := s.withDB(func(db *sql.DB) error {
		return db.QueryRow("SELECT state FROM partitions WHERE label = ?;", label).Scan(&state)
	})
	if err != nil {
		return "", fmt.Errorf("failed to read state of %s: %w", label, err)
	}
	return State(state), nil
}

func (s *FileStore) setState(db *sql.DB, label string, state State, version string, length int64) error {
	_, err := db.Exec("UPDATE partitions SET state = ?, version = ?, length = ?, updated_at = ? WHERE label = ?;",
		state, version, length, time.Now().UnixNano(), label)
	if err != nil {
		return fmt.Errorf("failed to set state of %s to %s: %w", label, state, err)
	}
	return nil
}

func (s *FileStore) updateState(label string, state State, version string, length int64) error {
	return s.withDB(func(db *sql.DB) error {
		return s.setState(db, label, state, version, length)
	})
}

func (s *FileStore) Running() (*Partition, error) {
	_, running, _, err := s.otadata()
	if err != nil {
		return nil, err
	}
	return s.byLabel(running)
}

func (s *FileStore) Boot() (*Partition, error) {
	boot, _, _, err := s.otadata()
	if err != nil {
		return nil, err
	}
	return s.byLabel(boot)
}

// NextUpdate returns the partition following the running one, wrapping around.
func (s *FileStore) NextUpdate() (*Partition, error) {
	if len(s.parts) < 2 {
		return nil, ErrNoUpdateTarget
	}
	running, err := s.Running()
	if err != nil {
		return nil, err
	}
	return s.byLabel(s.parts[(running.Index+1)%len(s.parts)].Label)
}

func (s *FileStore) LastInvalid() (*Partition, error) {
	var label string
	err := s.withDB(func(db *sql.DB) error {
		return db.QueryRow("SELECT label FROM partitions WHERE state = ? ORDER BY updated_at DESC LIMIT 1;",
			StateInvalid).Scan(&label)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up invalid partitions: %w", err)
	}
	return s.byLabel(label)
}

func (s *FileStore) Description(p *Partition) (*image.Descriptor, error) {
	if p == nil {
		return nil, ErrUnknown
	}
	f, err := os.Open(s.path(p))
	if os.IsNotExist(err) {
		return nil, ErrNoDescriptor
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, image.DescriptorLen)
	if _, err := f.ReadAt(buf, image.DescriptorOffset); err != nil {
		return nil, ErrNoDescriptor
	}
	desc, err := image.ParseDescriptor(buf)
	if err != nil || desc.MagicWord != image.DescriptorMagic {
		return nil, ErrNoDescriptor
	}
	return desc, nil
}

// SetBoot verifies the image stored in p and makes p the boot partition.
func (s *FileStore) SetBoot(p *Partition) error {
	if p == nil {
		return ErrUnknown
	}
	if _, err := s.byLabel(p.Label); err != nil {
		return err
	}
	state, err := s.state(p.Label)
	if err != nil {
		return err
	}
	if !state.Bootable() {
		return fmt.Errorf("%w: %s is %s", ErrNotBootable, p.Label, state)
	}
	if err := s.verify(p); err != nil {
		return fmt.Errorf("%w: %w", ErrNotBootable, err)
	}
	return s.withDB(func(db *sql.DB) error {
		_, err := db.Exec("UPDATE otadata SET previous = running, boot = ? WHERE id = 1;", p.Label)
		if err != nil {
			return fmt.Errorf("failed to set boot partition to %s: %w", p.Label, err)
		}
		return nil
	})
}

func (s *FileStore) verify(p *Partition) error {
	f, err := os.Open(s.path(p))
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = image.Validate(f, st.Size())
	return err
}

func (s *FileStore) Begin(p *Partition) (Writer, error) {
	if p == nil {
		return nil, ErrUnknown
	}
	target, err := s.byLabel(p.Label)
	if err != nil {
		return nil, err
	}
	running, err := s.Running()
	if err != nil {
		return nil, err
	}
	if Same(running, target) {
		return nil, fmt.Errorf("%w: %s", ErrIsRunning, target.Label)
	}
	f, err := os.OpenFile(s.path(target), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", target.Label, err)
	}
	if err := s.updateState(target.Label, StateWriting, "", 0); err != nil {
		f.Close()
		return nil, err
	}
	return &fileWriter{s: s, p: target, f: f}, nil
}

// Startup applies the bootloader's selection rules as they would be applied on
// a device reset and returns the partition that is now running:
//   - an image booted for the first time becomes pending_verify;
//   - an image that is still pending_verify was never confirmed, so it is
//     marked invalid and the previous partition is booted instead;
//   - a boot pointer at an unbootable partition falls back to a valid one.
func (s *FileStore) Startup() (*Partition, error) {
	boot, _, previous, err := s.otadata()
	if err != nil {
		return nil, err
	}
	state, err := s.state(boot)
	if err != nil {
		return nil, err
	}
	selected := boot
	err = s.withDB(func(db *sql.DB) error {
		switch state {
		case StateNew:
			slog.Info("first boot of new image", "partition", boot)
			if err := s.setState(db, boot, StatePendingVerify, s.versionOf(boot), s.lengthOf(boot)); err != nil {
				return err
			}
		case StatePendingVerify:
			slog.Warn("image was not confirmed after its first boot; rolling back", "partition", boot)
			if err := s.setState(db, boot, StateInvalid, s.versionOf(boot), s.lengthOf(boot)); err != nil {
				return err
			}
			selected = s.fallback(db, previous, boot)
		case StateValid:
		default:
			slog.Warn("boot partition holds no bootable image", "partition", boot, "state", state)
			selected = s.fallback(db, previous, boot)
		}
		_, err := db.Exec("UPDATE otadata SET boot = ?, running = ? WHERE id = 1;", selected, selected)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply boot selection: %w", err)
	}
	return s.byLabel(selected)
}

// fallback picks the partition to boot when current cannot be booted: the
// previously running one if it is valid, otherwise the first valid one.
func (s *FileStore) fallback(db *sql.DB, previous, current string) string {
	candidates := []string{previous}
	for _, p := range s.parts {
		candidates = append(candidates, p.Label)
	}
	for _, label := range candidates {
		if label == "" || label == current {
			continue
		}
		var state string
		if err := db.QueryRow("SELECT state FROM partitions WHERE label = ?;", label).Scan(&state); err != nil {
			continue
		}
		if State(state) == StateValid {
			return label
		}
	}
	return current
}

func (s *FileStore) versionOf(label string) string {
	p, err := s.byLabel(label)
	if err != nil {
		return ""
	}
	if d, err := s.Description(p); err == nil {
		return d.Version()
	}
	return ""
}

func (s *FileStore) lengthOf(label string) int64 {
	p, err := s.byLabel(label)
	if err != nil {
		return 0
	}
	if st, err := os.Stat(s.path(p)); err == nil {
		return st.Size()
	}
	return 0
}

// MarkValid confirms the running image so that it is kept across restarts.
func (s *FileStore) MarkValid() (*Partition, error) {
	running, err := s.Running()
	if err != nil {
		return nil, err
	}
	state, err := s.state(running.Label)
	if err != nil {
		return nil, err
	}
	switch state {
	case StateValid:
		return running, nil
	case StateNew, StatePendingVerify:
		if err := s.updateState(running.Label, StateValid, s.versionOf(running.Label), s.lengthOf(running.Label)); err != nil {
			return nil, err
		}
		slog.Info("running image confirmed", "partition", running.Label)
		return running, nil
	default:
		return nil, fmt.Errorf("%w: running partition %s is %s", ErrNotBootable, running.Label, state)
	}
}

func (s *FileStore) List() ([]Info, error) {
	boot, running, _, err := s.otadata()
	if err != nil {
		return nil, err
	}
	var infos []Info
	err = s.withDB(func(db *sql.DB) error {
		rows, err := db.Query("SELECT label, state, version, length, updated_at FROM partitions ORDER BY idx;")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				label, state, version string
				length, updated       int64
			)
			if err := rows.Scan(&label, &state, &version, &length, &updated); err != nil {
				return err
			}
			p, err := s.byLabel(label)
			if err != nil {
				// Partition no longer configured
				continue
			}
			infos = append(infos, Info{
				Partition: *p,
				State:     State(state),
				Version:   version,
				Length:    length,
				UpdatedAt: time.Unix(0, updated),
				Running:   label == running,
				Boot:      label == boot,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	return infos, nil
}

func (w *fileWriter) Write(b []byte) (int, error) {
	if w.closed {
		return 0, ErrSessionClosed
	}
	if w.written+int64(len(b)) > w.p.Size {
		return 0, fmt.Errorf("%w: %s holds %d bytes", ErrPartitionFull, w.p.Label, w.p.Size)
	}
	n, err := w.f.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *fileWriter) End() error {
	if w.closed {
		return ErrSessionClosed
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return w.fail(fmt.Errorf("failed to sync partition %s: %w", w.p.Label, err))
	}
	if err := w.f.Close(); err != nil {
		return w.fail(fmt.Errorf("failed to close partition %s: %w", w.p.Label, err))
	}
	if err := w.s.verify(w.p); err != nil {
		return w.fail(err)
	}
	return w.s.updateState(w.p.Label, StateNew, w.s.versionOf(w.p.Label), w.written)
}

func (w *fileWriter) fail(err error) error {
	if stErr := w.s.updateState(w.p.Label, StateCorrupt, "", w.written); stErr != nil {
		slog.Error("failed to record corrupt image", "partition", w.p.Label, "error", stErr)
	}
	return err
}

func (w *fileWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	if err := os.Truncate(w.s.path(w.p), 0); err != nil {
		slog.Error("failed to discard partial image", "partition", w.p.Label, "error", err)
	}
	return w.s.updateState(w.p.Label, StateAborted, "", 0)
}
