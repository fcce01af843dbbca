package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"yieldledger/internal/core"
	"yieldledger/internal/observability"
)

// snapshotCheckEvery is how often the periodic loop compares the engine
// sequence against the last snapshot.
const snapshotCheckEvery = 10 * time.Second

type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
	MarkVerified(ctx context.Context, sequence int64) error
	GetLatestSequence(ctx context.Context) (int64, error)
}

type snapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
	GetSequence() int64
}

// snapshotter captures engine state into the snapshot store. The periodic
// loop, the admin endpoint and shutdown share one instance.
type snapshotter struct {
	engine  snapshotSource
	store   snapshotStore
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

func newSnapshotter(engine snapshotSource, store snapshotStore, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	return &snapshotter{
		engine:  engine,
		store:   store,
		metrics: metrics,
		logger:  logger,
		lastSeq: engine.GetSequence() - 1,
	}
}

// Take saves a snapshot of the current state and returns its sequence. The
// snapshot is marked verified only after the event log holds its sequence.
func (s *snapshotter) Take(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	snap := s.engine.CreateSnapshotState()
	if snap.Sequence <= 0 {
		return 0, fmt.Errorf("nothing to snapshot")
	}

	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, err
	}
	if err := s.awaitDurable(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("snapshot %d left unverified: %w", snap.Sequence, err)
	}
	if err := s.store.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", size).
		Dur("took", time.Since(start)).
		Msg("snapshot saved")
	return snap.Sequence, nil
}

// awaitDurable polls the event log until it holds sequence.
func (s *snapshotter) awaitDurable(ctx context.Context, sequence int64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		latest, err := s.store.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if latest >= sequence {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run takes a snapshot whenever interval events have been applied since the
// last one.
func (s *snapshotter) Run(ctx context.Context, interval int64) {
	if interval <= 0 {
		interval = 100_000
	}
	ticker := time.NewTicker(snapshotCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.due(interval) {
				continue
			}
			if _, err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *snapshotter) due(interval int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.GetSequence()-1-s.lastSeq >= interval
}
