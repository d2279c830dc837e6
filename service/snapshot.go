package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/AnTengye/contractreview/model"
)

const (
	snapshotVersion      = 1
	interruptedByRestart = "interrupted by restart"
)

type snapshot struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Jobs    []model.ReviewJob `json:"jobs"`
}

// SaveSnapshot writes every job in the registry to path. The file is
// replaced atomically so a crash mid-write keeps the previous snapshot.
func SaveSnapshot(r *Registry, path string) error {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(snapshot{Version: snapshotVersion, SavedAt: time.Now().UTC(), Jobs: r.List()}); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tempPath := tmp.Name()
	defer os.Remove(tempPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores jobs saved by SaveSnapshot. A missing file is not an
// error. Jobs that were uploading or analyzing when the snapshot was taken
// come back failed, since their backend calls did not survive the restart.
func LoadSnapshot(r *Registry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var snap snapshot
	if err := dec.Decode(&snap); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	for i := range snap.Jobs {
		job := &snap.Jobs[i]
		if job.State == model.StateUploading || job.State == model.StateAnalyzing {
			job.State = model.StateFailed
			job.Analysis = nil
			job.LastError = interruptedByRestart
		}
	}

	restored := r.Restore(snap.Jobs)
	slog.Info("registry snapshot loaded",
		"path", path,
		"saved_at", snap.SavedAt,
		"jobs", restored,
	)
	return restored, nil
}

// RunSnapshots saves the registry every interval until ctx is done, then
// saves once more.
func RunSnapshots(ctx context.Context, r *Registry, path string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := SaveSnapshot(r, path); err != nil {
				slog.Error("failed to save registry snapshot", "path", path, "error", err)
			}
		case <-ctx.Done():
			if err := SaveSnapshot(r, path); err != nil {
				return err
			}
			slog.Info("registry snapshot saved", "path", path, "jobs", r.Count())
			return nil
		}
	}
}
