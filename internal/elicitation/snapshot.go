package elicitation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

// snapshotManifest sits next to each snapshot blob and makes corruption
// detectable before the state is trusted.
type snapshotManifest struct {
	EventSequence uint64 `json:"event_sequence"`
	Checksum      string `json:"checksum"`
	SizeBytes     int64  `json:"size_bytes"`
}

const snapshotDirName = "snapshots"

func snapshotPaths(dir string, seq uint64) (blob, manifest string) {
	base := filepath.Join(dir, snapshotDirName)
	return filepath.Join(base, fmt.Sprintf("state_%012d.msgpack", seq)),
		filepath.Join(base, fmt.Sprintf("state_%012d.manifest.json", seq))
}

// WriteSnapshot persists the canonical state with a checksum manifest.
// Both files are written to temp names and renamed so a crash never leaves a
// manifest pointing at a half-written blob.
func WriteSnapshot(dir string, p *Projection) (uint64, error) {
	seq := p.LastSequence()
	// The cursor is part of the canonical state; it must advance before the
	// encode so the persisted blob round-trips byte-equal with the live
	// projection it was taken from.
	p.markSnapshot(seq)
	data, err := p.Canonical()
	if err != nil {
		return 0, fmt.Errorf("snapshot encode: %w", err)
	}
	sum := sha256.Sum256(data)
	m := snapshotManifest{
		EventSequence: seq,
		Checksum:      hex.EncodeToString(sum[:]),
		SizeBytes:     int64(len(data)),
	}
	blob, manifest := snapshotPaths(dir, seq)
	if err := os.MkdirAll(filepath.Dir(blob), 0o700); err != nil {
		return 0, err
	}
	if err := writeAtomic(blob, data); err != nil {
		return 0, fmt.Errorf("snapshot blob: %w", err)
	}
	md, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := writeAtomic(manifest, md); err != nil {
		return 0, fmt.Errorf("snapshot manifest: %w", err)
	}
	return seq, nil
}

// LoadLatestSnapshot restores the newest verifiable snapshot, walking older
// ones when a checksum fails. Returns (nil, 0, nil) when no usable snapshot
// exists; the caller rebuilds from sequence zero.
func LoadLatestSnapshot(dir string) (*Projection, uint64, error) {
	manifests, err := filepath.Glob(filepath.Join(dir, snapshotDirName, "state_*.manifest.json"))
	if err != nil {
		return nil, 0, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(manifests)))
	for _, path := range manifests {
		p, seq, err := loadSnapshot(path)
		if err != nil {
			continue
		}
		return p, seq, nil
	}
	return nil, 0, nil
}

func loadSnapshot(manifestPath string) (*Projection, uint64, error) {
	md, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, 0, err
	}
	var m snapshotManifest
	if err := json.Unmarshal(md, &m); err != nil {
		return nil, 0, err
	}
	blob, _ := snapshotPaths(filepath.Dir(filepath.Dir(manifestPath)), m.EventSequence)
	data, err := os.ReadFile(blob)
	if err != nil {
		return nil, 0, err
	}
	if int64(len(data)) != m.SizeBytes {
		return nil, 0, fmt.Errorf("snapshot %s: size mismatch", blob)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != m.Checksum {
		return nil, 0, fmt.Errorf("snapshot %s: checksum mismatch", blob)
	}
	state := NewState()
	if err := eventstore.DecodeCanonical(data, state); err != nil {
		return nil, 0, fmt.Errorf("snapshot %s: decode: %w", blob, err)
	}
	return &Projection{state: state}, m.EventSequence, nil
}

// RestoreProjection loads the newest snapshot and folds the events appended
// after it, falling back to a full rebuild when no snapshot survives.
func RestoreProjection(dir string, store *eventstore.Store) (*Projection, error) {
	p, seq, err := LoadLatestSnapshot(dir)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return Rebuild(store.Stream(eventstore.EventFilter{}, 0))
	}
	it := store.Stream(eventstore.EventFilter{}, seq+1)
	for {
		e, err := it.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return p, nil
		}
		p.Apply(e)
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
