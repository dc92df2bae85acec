package mfhttp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/tanq16/modelfetch/internal/utils"
)

// Finalizer assembles completed chunks into the destination and removes the
// working artifacts.
type Finalizer struct {
	store    *Store
	reporter *ProgressReporter
}

func NewFinalizer(store *Store, reporter *ProgressReporter) *Finalizer {
	if reporter == nil {
		reporter = NewProgressReporter(nil, "", "")
	}
	return &Finalizer{store: store, reporter: reporter}
}

func (f *Finalizer) checkPreconditions(plan TransferPlan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	var sum int64
	for _, c := range plan.Chunks {
		if !c.Completed || c.BytesDownloaded != c.ExpectedLength() {
			return fmt.Errorf("%w: chunk %d has %d of %d bytes", ErrIncompletePlan, c.Index, c.BytesDownloaded, c.ExpectedLength())
		}
		sum += c.ExpectedLength()
	}
	if sum != plan.TotalSize {
		return fmt.Errorf("%w: chunks sum to %d, expected %d", ErrIncompletePlan, sum, plan.TotalSize)
	}
	return nil
}

// Finalize never writes the destination unless every chunk is present and the
// assembled length matches.
func (f *Finalizer) Finalize(ctx context.Context, plan TransferPlan) error {
	if err := f.checkPreconditions(plan); err != nil {
		return err
	}
	fsys := f.store.Fs()
	tmpPath := f.store.DownloadTempPath()
	f.reporter.Verify(fmt.Sprintf("assembling %d chunks", len(plan.Chunks)))
	if err := f.assemble(ctx, fsys, tmpPath, plan); err != nil {
		fsys.Remove(tmpPath)
		return err
	}
	info, err := fsys.Stat(tmpPath)
	if err != nil {
		return fmt.Errorf("inspecting assembled file: %w", err)
	}
	if info.Size() != plan.TotalSize {
		fsys.Remove(tmpPath)
		return fmt.Errorf("%w: assembled %d bytes, expected %d", ErrIncompletePlan, info.Size(), plan.TotalSize)
	}
	if err := replaceFile(fsys, tmpPath, f.store.Destination()); err != nil {
		return fmt.Errorf("replacing destination: %w", err)
	}
	f.reporter.Clean("removing working files")
	if err := f.store.Discard(); err != nil {
		log.Warn().Str("op", "http/finalize").Err(err).Msg("could not remove working files")
	}
	return nil
}

func (f *Finalizer) assemble(ctx context.Context, fsys afero.Fs, tmpPath string, plan TransferPlan) error {
	if err := fsys.MkdirAll(filepath.Dir(tmpPath), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	out, err := fsys.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmpPath, err)
	}
	defer out.Close()
	buffer := make([]byte, utils.DefaultBufferSize)
	for _, c := range plan.Chunks {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if err := appendChunk(fsys, out, f.store.ChunkPath(c), c.ExpectedLength(), buffer); err != nil {
			return fmt.Errorf("chunk %d: %w", c.Index, err)
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	return out.Close()
}

func appendChunk(fsys afero.Fs, out io.Writer, path string, expected int64, buffer []byte) error {
	in, err := fsys.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	n, err := io.CopyBuffer(out, in, buffer)
	if err != nil {
		return err
	}
	if n != expected {
		return fmt.Errorf("%w: copied %d bytes, expected %d", ErrIncompletePlan, n, expected)
	}
	return nil
}

// replaceFile renames src over dst, removing dst first where the platform
// refuses to rename over an existing file.
func replaceFile(fsys afero.Fs, src, dst string) error {
	if err := fsys.Rename(src, dst); err == nil {
		return nil
	}
	if err := fsys.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return fsys.Rename(src, dst)
}
