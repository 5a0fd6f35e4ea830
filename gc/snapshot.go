package gc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Snapshot format constants
// ---------------------------------------------------------------------------

// SnapshotMagic identifies an oscar heap snapshot file.
var SnapshotMagic = [4]byte{'O', 'S', 'C', 'R'}

// Snapshot format version.
// v1: initial format
const SnapshotVersion uint32 = 1

var (
	ErrInvalidSnapshotMagic = errors.New("invalid magic number: expected OSCR")
	ErrSnapshotVersion      = errors.New("snapshot version mismatch")
	ErrCorruptSnapshot      = errors.New("corrupt snapshot data")
)

// cborEncMode is the canonical encoding mode, so identical heaps produce
// identical snapshot bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("gc: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Snapshot model
// ---------------------------------------------------------------------------

// SnapshotObject is one object record in a snapshot.
type SnapshotObject struct {
	ID     ObjectID
	Size   uint64
	Region RegionID
	Offset uint64
	Gen    Generation
	Age    uint32
	Refs   []ObjectID
}

// SnapshotGeometry pins the heap layout a snapshot was taken under.
// Restore rebuilds the same region carving so every record lands back at
// its original region and offset.
type SnapshotGeometry struct {
	Strategy      StrategyKind
	YoungCapacity uint64
	OldCapacity   uint64
	RegionSize    uint64
}

// Snapshot is a point-in-time image of heap contents: every resident
// object with its placement and outgoing references, plus the identity
// counter. Mark state, forwarding entries, and the remembered set are
// deliberately absent; all three are cycle-local or derivable, and restore
// recomputes the remembered set from the reference graph.
type Snapshot struct {
	Version  uint32
	Geometry SnapshotGeometry
	NextID   uint64
	Objects  []SnapshotObject
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

// CaptureSnapshot freezes mutators briefly and returns a consistent image
// of the heap. A capture that lands during a concurrent sweep may include
// objects that are already garbage; the first cycle on a restored heap
// reclaims them, so the restored live set is unaffected.
func (h *Heap) CaptureSnapshot() (*Snapshot, error) {
	if err := h.operable(); err != nil {
		return nil, fmt.Errorf("gc: capture snapshot: %w", err)
	}
	h.world.Lock()
	defer h.world.Unlock()

	recs := h.table.all()
	snap := &Snapshot{
		Version: SnapshotVersion,
		Geometry: SnapshotGeometry{
			Strategy:      h.opts.Strategy,
			YoungCapacity: h.opts.YoungCapacity,
			OldCapacity:   h.opts.OldCapacity,
			RegionSize:    h.opts.RegionSize,
		},
		NextID:  uint64(h.table.lastIssued()),
		Objects: make([]SnapshotObject, 0, len(recs)),
	}

	for _, rec := range recs {
		if rec.freed.Load() {
			continue
		}
		snap.Objects = append(snap.Objects, SnapshotObject{
			ID:     rec.id,
			Size:   rec.size,
			Region: rec.region,
			Offset: rec.offset,
			Gen:    rec.gen,
			Age:    rec.age,
			Refs:   rec.snapshotRefs(),
		})
	}
	sort.Slice(snap.Objects, func(i, j int) bool { return snap.Objects[i].ID < snap.Objects[j].ID })
	return snap, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// EncodeSnapshot renders a snapshot as the magic header followed by
// canonical CBOR.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	payload, err := cborEncMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("gc: encode snapshot: %w", err)
	}
	out := make([]byte, 0, len(SnapshotMagic)+len(payload))
	out = append(out, SnapshotMagic[:]...)
	out = append(out, payload...)
	return out, nil
}

// DecodeSnapshot parses snapshot bytes produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < len(SnapshotMagic) || !bytes.Equal(data[:len(SnapshotMagic)], SnapshotMagic[:]) {
		return nil, fmt.Errorf("gc: %w", ErrInvalidSnapshotMagic)
	}
	var snap Snapshot
	if err := cbor.Unmarshal(data[len(SnapshotMagic):], &snap); err != nil {
		return nil, fmt.Errorf("gc: decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("gc: %w: got %d, want %d", ErrSnapshotVersion, snap.Version, SnapshotVersion)
	}
	return &snap, nil
}

// SaveSnapshotTo captures the heap and writes the encoded snapshot.
func (h *Heap) SaveSnapshotTo(w io.Writer) error {
	snap, err := h.CaptureSnapshot()
	if err != nil {
		return err
	}
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("gc: write snapshot: %w", err)
	}
	return nil
}

// SaveSnapshot captures the heap and writes the snapshot to a file.
func (h *Heap) SaveSnapshot(path string) error {
	var buf bytes.Buffer
	if err := h.SaveSnapshotTo(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("gc: save snapshot: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Restore
// ---------------------------------------------------------------------------

// RestoreHeap builds a fresh heap from a snapshot. Geometry comes from the
// image; runtime knobs (deadlines, workers, sinks, watcher interval) come
// from opts. Identities are preserved, so roots captured against the
// snapshotted heap remain valid against the restored one.
func RestoreHeap(snap *Snapshot, roots RootProvider, opts Options) (*Heap, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("gc: restore: %w: got %d, want %d", ErrSnapshotVersion, snap.Version, SnapshotVersion)
	}
	opts.Strategy = snap.Geometry.Strategy
	opts.YoungCapacity = snap.Geometry.YoungCapacity
	opts.OldCapacity = snap.Geometry.OldCapacity
	opts.RegionSize = snap.Geometry.RegionSize

	h, err := NewHeap(roots, opts)
	if err != nil {
		return nil, err
	}

	perRegion := make(map[RegionID][]*objectRecord)
	var maxID ObjectID
	for _, so := range snap.Objects {
		if so.ID == NilObject || so.Size == 0 {
			return nil, fmt.Errorf("gc: restore: object %d: %w", so.ID, ErrCorruptSnapshot)
		}
		if h.table.lookup(so.ID) != nil {
			return nil, fmt.Errorf("gc: restore: duplicate identity %d: %w", so.ID, ErrCorruptSnapshot)
		}
		rec := &objectRecord{
			id:     so.ID,
			size:   so.Size,
			region: so.Region,
			offset: so.Offset,
			gen:    so.Gen,
			age:    so.Age,
		}
		rec.refs = append(rec.refs, so.Refs...)
		h.table.insert(rec)
		perRegion[so.Region] = append(perRegion[so.Region], rec)
		if so.ID > maxID {
			maxID = so.ID
		}
	}

	next := ObjectID(snap.NextID)
	if maxID > next {
		next = maxID
	}
	h.table.reserveThrough(next)

	for _, r := range h.regions.all() {
		if err := restoreRegion(r, perRegion[r.id]); err != nil {
			return nil, err
		}
		delete(perRegion, r.id)
	}
	for id := range perRegion {
		return nil, fmt.Errorf("gc: restore: region %d beyond heap geometry: %w", id, ErrCorruptSnapshot)
	}

	h.rebuildRemembered()
	return h, nil
}

// restoreRegion rebuilds one region's bump pointer, free list, and resident
// set from its snapshot records. Records must fit the region, agree with
// its generation, and not overlap.
func restoreRegion(r *region, recs []*objectRecord) error {
	sort.Slice(recs, func(i, j int) bool { return recs[i].offset < recs[j].offset })

	var bump, used uint64
	var free []span
	ids := make([]ObjectID, 0, len(recs))

	for _, rec := range recs {
		if rec.gen != r.gen {
			return fmt.Errorf("gc: restore: object %d generation %s does not match region %d: %w",
				rec.id, rec.gen, r.id, ErrCorruptSnapshot)
		}
		if rec.offset < bump || rec.offset+rec.size > r.capacity {
			return fmt.Errorf("gc: restore: object %d slot [%d, %d) invalid in region %d: %w",
				rec.id, rec.offset, rec.offset+rec.size, r.id, ErrCorruptSnapshot)
		}
		if rec.offset > bump {
			free = append(free, span{offset: bump, size: rec.offset - bump})
		}
		bump = rec.offset + rec.size
		used += rec.size
		ids = append(ids, rec.id)
	}

	r.restore(bump, used, free, ids)
	return nil
}

// LoadSnapshotFrom reads an encoded snapshot and restores a heap from it.
func LoadSnapshotFrom(rd io.Reader, roots RootProvider, opts Options) (*Heap, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("gc: read snapshot: %w", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return RestoreHeap(snap, roots, opts)
}

// LoadSnapshot restores a heap from a snapshot file.
func LoadSnapshot(path string, roots RootProvider, opts Options) (*Heap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gc: load snapshot: %w", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return RestoreHeap(snap, roots, opts)
}
