// Package archive stores the complete record of finished epochs on disk,
// one directory per epoch with a compressed snapshot and a small plain-text
// meta file for quick inspection.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"crucible/internal/sim/engine"
)

type Meta struct {
	EpochID      string `json:"epoch_id"`
	Phase        string `json:"phase"`
	Cycles       int    `json:"cycles"`
	Preset       string `json:"preset,omitempty"`
	Participants int    `json:"participants"`
	LogEntries   int    `json:"log_entries"`
	CreatedAt    string `json:"created_at"`
	EndedAt      string `json:"ended_at,omitempty"`
	ArchivedAt   string `json:"archived_at"`
	Snapshot     string `json:"snapshot"`
}

// Store writes epoch archives under baseDir/archives/<epoch_id>/.
type Store struct {
	baseDir   string
	clock     func() time.Time
	onArchive func(paths ...string)
}

func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, clock: time.Now}
}

// SetOnArchive registers a callback invoked with the files each successful
// archive wrote. Used to feed the offsite mirror.
func (s *Store) SetOnArchive(fn func(paths ...string)) { s.onArchive = fn }

// ArchiveEpoch persists a terminal epoch's full snapshot. Archiving the same
// epoch again overwrites the previous archive.
func (s *Store) ArchiveEpoch(snap engine.EpochSnapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("empty epoch id")
	}
	dir := filepath.Join(s.baseDir, "archives", snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	snapName := "epoch.json.zst"
	f, err := os.Create(filepath.Join(dir, snapName))
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	meta := Meta{
		EpochID:      snap.ID,
		Phase:        snap.Phase,
		Cycles:       snap.Cycle,
		Preset:       snap.Preset,
		Participants: len(snap.Participants),
		LogEntries:   len(snap.BattleLog),
		CreatedAt:    snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		ArchivedAt:   s.clock().UTC().Format(time.RFC3339Nano),
		Snapshot:     snapName,
	}
	if snap.EndedAt != nil {
		meta.EndedAt = snap.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	metaPath := filepath.Join(dir, "meta.json")
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return err
	}
	if s.onArchive != nil {
		s.onArchive(filepath.Join(dir, snapName), metaPath)
	}
	return nil
}

// Load reads an archived epoch back from disk.
func (s *Store) Load(epochID string) (engine.EpochSnapshot, error) {
	var snap engine.EpochSnapshot
	path := filepath.Join(s.baseDir, "archives", epochID, "epoch.json.zst")
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// List returns the meta records of all archived epochs.
func (s *Store) List() ([]Meta, error) {
	root := filepath.Join(s.baseDir, "archives")
	dirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(root, d.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var m Meta
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
