package ota

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Slot names. A device with no boot marker boots SlotA.
const (
	SlotA = "a"
	SlotB = "b"
)

const bootMarker = "boot"

// FileSlots keeps two image files and a boot marker in one directory. The
// slot booted when the process started is the running slot; it is never an
// update target, whatever the marker says later.
type FileSlots struct {
	dir     string
	running string
	mu      sync.Mutex
}

// NewFileSlots creates dir if needed and records the running slot from the
// boot marker.
func NewFileSlots(dir string) (*FileSlots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating slot directory: %w", err)
	}
	s := &FileSlots{dir: dir}
	running, err := s.bootLocked()
	if err != nil {
		return nil, err
	}
	s.running = running
	return s, nil
}

// Running is the slot this process booted from.
func (s *FileSlots) Running() string { return s.running }

func (s *FileSlots) Dir() string { return s.dir }

// ImagePath is the finalised image of slot.
func (s *FileSlots) ImagePath(slot string) string {
	return filepath.Join(s.dir, "slot_"+slot+".img")
}

func validSlot(slot string) error {
	if slot != SlotA && slot != SlotB {
		return fmt.Errorf("unknown slot %q", slot)
	}
	return nil
}

func (s *FileSlots) Boot() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootLocked()
}

func (s *FileSlots) bootLocked() (string, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, bootMarker))
	if errors.Is(err, fs.ErrNotExist) {
		return SlotA, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading boot marker: %w", err)
	}
	slot := strings.TrimSpace(string(b))
	if err := validSlot(slot); err != nil {
		return "", fmt.Errorf("boot marker: %w", err)
	}
	return slot, nil
}

// Next is the slot other than the running one. Repeated updates before a
// restart all land there, so the running image stays as the fallback.
func (s *FileSlots) Next() (string, error) {
	if s.running == SlotB {
		return SlotA, nil
	}
	return SlotB, nil
}

// Begin truncates the partial image of slot. The finalised image of that
// slot is replaced only by Finalize.
func (s *FileSlots) Begin(slot string) (SlotWriter, error) {
	if err := validSlot(slot); err != nil {
		return nil, err
	}
	final := s.ImagePath(slot)
	partial := final + ".partial"
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening slot %s: %w", slot, err)
	}
	return &fileWriter{f: f, partial: partial, final: final}, nil
}

// SetBoot atomically points the boot marker at slot, which must hold a
// finalised image.
func (s *FileSlots) SetBoot(slot string) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	if _, err := os.Stat(s.ImagePath(slot)); err != nil {
		return fmt.Errorf("slot %s has no image: %w", slot, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.dir, bootMarker), []byte(slot+"\n"))
}

// writeAtomic writes path via a synced temporary file and a rename, then
// syncs the directory so the rename survives power loss.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}

type fileWriter struct {
	f       *os.File
	partial string
	final   string
	done    bool
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *fileWriter) Finalize() error {
	if w.done {
		return errors.New("slot writer already closed")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.partial)
		return fmt.Errorf("syncing image: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.partial)
		return fmt.Errorf("closing image: %w", err)
	}
	if err := os.Rename(w.partial, w.final); err != nil {
		os.Remove(w.partial)
		return fmt.Errorf("renaming image into place: %w", err)
	}
	syncDir(filepath.Dir(w.final))
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
