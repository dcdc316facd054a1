package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// metadataFileName is the framed snapshot written alongside the four
// HNSW graph files (§6). Unlike the teacher's hnswMetadata, which is
// gob-encoded, this is a hand-rolled length-prefixed, field-ordered,
// u32-versioned binary format per the design note calling for something
// cross-language-readable in place of the original's pickle format.
const metadataFileName = "metadata.snap"

const metadataFormatVersion uint32 = 1

// snapshot is the full durable state of a segment (§4.5): everything
// needed to reopen without replaying the log from offset zero.
type snapshot struct {
	MaxAppliedOffset uint64
	TotalAdded       uint64
	TotalUpdated     uint64
	Dimensionality   int32
	IdToLabel        map[string]uint64
	IdToOffset       map[string]uint64
	NextLabel        uint64
	HnswCapacity     int32
}

// Persistor owns the on-disk layout under {PersistDirectory}/{CollectionId}/
// and the crash-consistency protocol: every write goes to a temp file
// then is renamed over the previous snapshot, so a crash mid-write never
// corrupts the last good state (§4.5, mirroring the teacher's Save/
// saveMetadata temp-then-rename pattern, generalized to a custom framed
// format for the metadata half).
type Persistor struct {
	dir string
}

// NewPersistor returns a Persistor rooted at collectionId's directory.
func NewPersistor(persistDirectory, collectionId string) *Persistor {
	return &Persistor{dir: filepath.Join(persistDirectory, collectionId)}
}

// Dir returns the segment's persist directory.
func (p *Persistor) Dir() string { return p.dir }

// Exists reports whether a prior snapshot is on disk.
func (p *Persistor) Exists() bool {
	_, err := os.Stat(filepath.Join(p.dir, metadataFileName))
	return err == nil
}

// EnsureDir creates the persist directory if missing.
func (p *Persistor) EnsureDir() error {
	return os.MkdirAll(p.dir, 0o755)
}

// Persist writes the metadata snapshot and the HNSW graph files
// atomically (§4.5 step order: graph files first, then the metadata
// snapshot that records the offset as durable — recovery only trusts
// an offset once its metadata file made it to disk).
func (p *Persistor) Persist(hi *HnswIndex, maps *IdMaps, totalAdded, totalUpdated, maxAppliedOffset uint64) error {
	if err := p.EnsureDir(); err != nil {
		return ErrPersistenceFailure{Cause: err}
	}
	if err := hi.Persist(); err != nil {
		return ErrPersistenceFailure{Cause: err}
	}

	idToLabel, _, idToOffset, nextLabel := maps.Snapshot()
	dim, _ := hi.Dim()
	snap := snapshot{
		MaxAppliedOffset: maxAppliedOffset,
		TotalAdded:       totalAdded,
		TotalUpdated:     totalUpdated,
		Dimensionality:   int32(dim),
		IdToLabel:        idToLabel,
		IdToOffset:       idToOffset,
		NextLabel:        nextLabel,
		HnswCapacity:     int32(hi.Capacity()),
	}

	tmpPath := filepath.Join(p.dir, metadataFileName+".tmp")
	finalPath := filepath.Join(p.dir, metadataFileName)
	f, err := os.Create(tmpPath)
	if err != nil {
		return ErrPersistenceFailure{Cause: err}
	}
	if err := writeSnapshot(f, snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return ErrPersistenceFailure{Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return ErrPersistenceFailure{Cause: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return ErrPersistenceFailure{Cause: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return ErrPersistenceFailure{Cause: err}
	}
	return nil
}

// Load reads the metadata snapshot and restores maps, then opens and
// loads the HNSW graph files. hi must be freshly constructed (via
// NewHnswIndex) and not yet initialized.
func (p *Persistor) Load(hi *HnswIndex, maps *IdMaps, space Metric) (totalAdded, totalUpdated, maxAppliedOffset uint64, err error) {
	finalPath := filepath.Join(p.dir, metadataFileName)
	f, err := os.Open(finalPath)
	if err != nil {
		return 0, 0, 0, ErrPersistenceFailure{Cause: err}
	}
	defer f.Close()

	snap, err := readSnapshot(f)
	if err != nil {
		return 0, 0, 0, ErrPersistenceFailure{Cause: err}
	}

	labelToId := make(map[uint64]string, len(snap.IdToLabel))
	for id, label := range snap.IdToLabel {
		labelToId[label] = id
	}
	maps.Restore(snap.IdToLabel, labelToId, snap.IdToOffset, snap.NextLabel)

	if err := hi.OpenFiles(p.dir); err != nil {
		return 0, 0, 0, ErrPersistenceFailure{Cause: err}
	}
	if err := hi.Load(int(snap.Dimensionality), space, int(snap.HnswCapacity)); err != nil {
		return 0, 0, 0, ErrPersistenceFailure{Cause: err}
	}

	return snap.TotalAdded, snap.TotalUpdated, snap.MaxAppliedOffset, nil
}

// RemoveAll deletes the segment's entire persist directory (reset_state,
// §4.5 — gated by Config.AllowReset at the call site).
func (p *Persistor) RemoveAll() error {
	return os.RemoveAll(p.dir)
}

func writeSnapshot(w io.Writer, s snapshot) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, metadataFormatVersion); err != nil {
		return err
	}
	if err := writeU64(bw, s.MaxAppliedOffset); err != nil {
		return err
	}
	if err := writeU64(bw, s.TotalAdded); err != nil {
		return err
	}
	if err := writeU64(bw, s.TotalUpdated); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(s.Dimensionality)); err != nil {
		return err
	}
	if err := writeU64(bw, s.NextLabel); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(s.HnswCapacity)); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(len(s.IdToLabel))); err != nil {
		return err
	}
	for id, label := range s.IdToLabel {
		if err := writeString(bw, id); err != nil {
			return err
		}
		if err := writeU64(bw, label); err != nil {
			return err
		}
		offset := s.IdToOffset[id]
		if err := writeU64(bw, offset); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readSnapshot(r io.Reader) (snapshot, error) {
	var s snapshot
	br := bufio.NewReader(r)

	version, err := readU32(br)
	if err != nil {
		return s, err
	}
	if version != metadataFormatVersion {
		return s, fmt.Errorf("unsupported metadata format version %d", version)
	}
	if s.MaxAppliedOffset, err = readU64(br); err != nil {
		return s, err
	}
	if s.TotalAdded, err = readU64(br); err != nil {
		return s, err
	}
	if s.TotalUpdated, err = readU64(br); err != nil {
		return s, err
	}
	dim, err := readU32(br)
	if err != nil {
		return s, err
	}
	s.Dimensionality = int32(dim)
	if s.NextLabel, err = readU64(br); err != nil {
		return s, err
	}
	capVal, err := readU32(br)
	if err != nil {
		return s, err
	}
	s.HnswCapacity = int32(capVal)

	count, err := readU32(br)
	if err != nil {
		return s, err
	}
	s.IdToLabel = make(map[string]uint64, count)
	s.IdToOffset = make(map[string]uint64, count)
	for i := uint32(0); i < count; i++ {
		id, err := readString(br)
		if err != nil {
			return s, err
		}
		label, err := readU64(br)
		if err != nil {
			return s, err
		}
		offset, err := readU64(br)
		if err != nil {
			return s, err
		}
		s.IdToLabel[id] = label
		s.IdToOffset[id] = offset
	}
	return s, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
