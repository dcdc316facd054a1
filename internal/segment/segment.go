package segment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Segment is a single collection's vector segment: a write-buffered
// brute-force index layered over a persistent HNSW graph, fed by a
// LogConsumer and coordinated by a BatchApplier (§3). It is the single
// exported entry point for this package; every other type here is a
// collaborator Segment wires together.
type Segment struct {
	cfg Config
	log *slog.Logger

	mu sync.RWMutex

	maps *IdMaps
	hi   *HnswIndex
	bf   *BruteForceIndex

	applier   *BatchApplier
	persistor *Persistor
	query     *QueryEngine
	lock      *SegmentLock
	consumer  *LogConsumer

	state State
}

// Open constructs a Segment and loads any existing on-disk state
// (§4.5). If no prior snapshot exists, the segment starts empty and
// the HNSW layer stays uninitialized until the first vector arrives.
func Open(cfg Config, log *slog.Logger) (*Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segment config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	persistor := NewPersistor(cfg.PersistDirectory, cfg.CollectionId)
	if err := persistor.EnsureDir(); err != nil {
		return nil, fmt.Errorf("create persist directory: %w", err)
	}

	lock := NewSegmentLock(persistor.Dir())
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire segment lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("segment directory %s is already open by another process", persistor.Dir())
	}

	maps := NewIdMaps()
	hi := NewHnswIndex(cfg.Space, cfg.M, cfg.EfConstruction, cfg.EfSearch, cfg.ResizeFactor)
	bf := NewBruteForceIndex(cfg.BatchSize)

	s := &Segment{
		cfg:       cfg,
		log:       log,
		maps:      maps,
		hi:        hi,
		bf:        bf,
		persistor: persistor,
		lock:      lock,
		state:     StateCreated,
	}

	if persistor.Exists() {
		totalAdded, totalUpdated, maxOffset, err := persistor.Load(hi, maps, cfg.Space)
		if err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("load segment snapshot: %w", err)
		}
		s.applier = NewBatchApplier(cfg, maps, hi, bf, log)
		s.applier.RestoreState(totalAdded, totalUpdated, maxOffset)
		log.Info("recovered segment", "collection_id", cfg.CollectionId, "count", s.applier.Count(), "max_applied_offset", maxOffset)
	} else {
		s.applier = NewBatchApplier(cfg, maps, hi, bf, log)
	}

	s.query = NewQueryEngine(maps, hi, bf, distanceFor(cfg.Space))
	s.state = StateOpened
	return s, nil
}

// Subscribe starts the LogConsumer pulling from source, resuming after
// the recovered max_applied_offset (§4.5 step 3). Transitions
// Opened→Running (§4.6); calling it again while already Running is a
// no-op.
func (s *Segment) Subscribe(ctx context.Context, source LogSource, maxRecordsPerPull int, pollInterval int) {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	resumeFrom := s.applier.MaxAppliedOffset()
	s.mu.Unlock()

	s.consumer = NewLogConsumer(source, s.applyRecords, time.Duration(pollInterval)*time.Millisecond, maxRecordsPerPull, resumeFrom, s.log)
	s.consumer.Start(ctx)
}

// applyRecords is the LogConsumer's ApplyFunc: it holds the write lock
// for the whole batch so readers see either the full effect or none of
// it (§5 "read-your-writes ... the writer holds the lock while updating
// both layers").
func (s *Segment) applyRecords(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrStoppedComponent{}
	}

	lastApplied := s.applier.MaxAppliedOffset()
	// dim is fixed by the first accepted insert: the HNSW layer knows it
	// once a batch has been applied, the brute-force buffer before that.
	dim, dimKnown := s.hi.Dim()
	if !dimKnown {
		for _, v := range s.bf.vectors {
			dim, dimKnown = len(v), true
			break
		}
	}
	filtered := make([]Record, 0, len(records))
	for _, r := range records {
		if lastApplied > 0 && r.LogOffset <= lastApplied {
			continue
		}
		if r.Embedding != nil {
			if dimKnown && len(r.Embedding) != dim {
				s.log.Warn("dropping record with mismatched dimensionality", "id", r.Id, "expected", dim, "got", len(r.Embedding))
				continue
			}
			if !dimKnown && (r.Operation == OpAdd || r.Operation == OpUpsert) {
				dim, dimKnown = len(r.Embedding), true
			}
		}
		filtered = append(filtered, r)
	}

	if err := s.applier.WriteRecords(filtered); err != nil {
		return err
	}

	if s.applier.ShouldPersist() {
		totalAdded, totalUpdated := s.applier.Totals()
		if err := s.hi.OpenFiles(s.persistor.Dir()); err != nil {
			return ErrPersistenceFailure{Cause: err}
		}
		if err := s.persistor.Persist(s.hi, s.maps, totalAdded, totalUpdated, s.applier.MaxAppliedOffset()); err != nil {
			return err
		}
		s.applier.MarkPersisted()
	}
	return nil
}

// GetVectors returns the live vectors for ids, or all live vectors if
// ids is nil.
func (s *Segment) GetVectors(ids []string) []VectorEmbeddingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query.Get(ids)
}

// QueryVectors runs k-NN search for each vector in q.
func (s *Segment) QueryVectors(ctx context.Context, q Query) ([][]QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.applier.Count() == 0 {
		empty := make([][]QueryResult, len(q.Vectors))
		for i := range empty {
			empty[i] = []QueryResult{}
		}
		return empty, nil
	}
	return s.query.Query(ctx, q)
}

// Count returns the segment's current live record count.
func (s *Segment) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applier.Count()
}

// MaxAppliedOffset returns the greatest log offset visible to queries.
func (s *Segment) MaxAppliedOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applier.MaxAppliedOffset()
}

// CheckConsistency runs the internal invariant checker (§8).
func (s *Segment) CheckConsistency() *CheckResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewConsistencyChecker(s.maps, s.hi).Check()
}

// Close stops the log consumer, flushes any open batch, and persists
// final state. Idempotent (§4.6).
func (s *Segment) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	consumer := s.consumer
	s.mu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}

	if s.bf.Len() > 0 || s.applier.curr.Len() > 0 {
		if err := s.applier.ApplyBatch(); err != nil {
			return fmt.Errorf("flush open batch on close: %w", err)
		}
	}

	if err := s.hi.OpenFiles(s.persistor.Dir()); err != nil {
		return fmt.Errorf("open graph files for final persist: %w", err)
	}
	totalAdded, totalUpdated := s.applier.Totals()
	if err := s.persistor.Persist(s.hi, s.maps, totalAdded, totalUpdated, s.applier.MaxAppliedOffset()); err != nil {
		return fmt.Errorf("final persist on close: %w", err)
	}
	if err := s.hi.CloseFiles(); err != nil {
		s.log.Warn("error closing graph files", "error", err)
	}

	s.state = StateClosed
	return s.lock.Unlock()
}

// Delete removes the segment directory entirely. Only permitted once
// the segment is Closed (§4.6). Idempotent.
func (s *Segment) Delete() error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != StateClosed {
		return fmt.Errorf("delete requires a closed segment, current state is %s", state)
	}
	return s.persistor.RemoveAll()
}

// ResetState is an alias of Delete, gated by Config.AllowReset.
func (s *Segment) ResetState() error {
	if !s.cfg.AllowReset {
		return ErrResetForbidden{}
	}
	return s.Delete()
}

// State returns the segment's current lifecycle state.
func (s *Segment) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
