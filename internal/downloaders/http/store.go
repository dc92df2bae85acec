package mfhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	sidecarSuffix  = ".meta.json"
	chunkDirSuffix = ".chunks"
	tempSuffix     = ".download"
)

// Store persists the plan for one destination and owns its working artifacts.
type Store struct {
	fs          afero.Fs
	destination string
	mu          sync.Mutex
}

func NewStore(fsys afero.Fs, destination string) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys, destination: destination}
}

func (s *Store) Fs() afero.Fs             { return s.fs }
func (s *Store) Destination() string      { return s.destination }
func (s *Store) SidecarPath() string      { return s.destination + sidecarSuffix }
func (s *Store) WorkDir() string          { return s.destination + chunkDirSuffix }
func (s *Store) DownloadTempPath() string { return s.destination + tempSuffix }
func (s *Store) ChunkPath(c Chunk) string { return filepath.Join(s.WorkDir(), c.TempFileName) }

// Save writes the plan to a temp file and renames it over the sidecar.
func (s *Store) Save(plan TransferPlan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir := filepath.Dir(s.SidecarPath()); dir != "" {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating sidecar directory: %w", err)
		}
	}
	tmp := s.SidecarPath() + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening sidecar temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing sidecar temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing sidecar temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing sidecar temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.SidecarPath()); err != nil {
		return fmt.Errorf("replacing sidecar: %w", err)
	}
	return nil
}

// Load reads the sidecar. A missing file is ErrNoPlan; anything unusable is ErrCorruptPlan.
func (s *Store) Load() (TransferPlan, error) {
	s.mu.Lock()
	data, err := afero.ReadFile(s.fs, s.SidecarPath())
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TransferPlan{}, ErrNoPlan
		}
		return TransferPlan{}, fmt.Errorf("reading sidecar: %w", err)
	}
	if len(data) == 0 {
		return TransferPlan{}, fmt.Errorf("%w: empty sidecar", ErrCorruptPlan)
	}
	var plan TransferPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return TransferPlan{}, fmt.Errorf("%w: %v", ErrCorruptPlan, err)
	}
	if err := plan.Validate(); err != nil {
		return TransferPlan{}, err
	}
	return plan, nil
}

// Reconcile recomputes each chunk's progress from its on-disk file, truncating
// files longer than the chunk.
func (s *Store) Reconcile(plan TransferPlan) (TransferPlan, error) {
	out := plan.Clone()
	for i, c := range out.Chunks {
		path := s.ChunkPath(c)
		info, err := s.fs.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				out.Chunks[i] = c.withBytes(0)
				continue
			}
			return plan, fmt.Errorf("inspecting %s: %w", path, err)
		}
		size := info.Size()
		if size > c.ExpectedLength() {
			log.Debug().Str("op", "http/store").Int("chunk", c.Index).Int64("size", size).Msg("truncating oversized chunk file")
			if err := s.truncate(path, c.ExpectedLength()); err != nil {
				return plan, err
			}
			size = c.ExpectedLength()
		}
		out.Chunks[i] = c.withBytes(size)
	}
	return out, nil
}

func (s *Store) truncate(path string, size int64) error {
	f, err := s.fs.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncating %s: %w", path, err)
	}
	return nil
}

// RemoveChunkFiles deletes the chunk working directory.
func (s *Store) RemoveChunkFiles() error {
	if err := s.fs.RemoveAll(s.WorkDir()); err != nil {
		return fmt.Errorf("removing chunk directory: %w", err)
	}
	return nil
}

// Discard removes the sidecar and every working artifact of the destination.
func (s *Store) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range []string{s.SidecarPath(), s.SidecarPath() + ".tmp", s.DownloadTempPath()} {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.fs.RemoveAll(s.WorkDir()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
