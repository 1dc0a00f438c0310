package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"clusterd/pkg/cluster"
	"clusterd/pkg/models"
)

// JournalRecorder feeds processed tasks into a TaskJournal without blocking
// the update processor. Records are buffered and flushed in batches by a
// background goroutine; when the buffer is full new records are dropped.
type JournalRecorder struct {
	journal     TaskJournal
	clusterName string
	nodeID      string
	logger      *zap.Logger

	records       chan *models.TaskRecord
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	dropped int64
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewJournalRecorder(journal TaskJournal, clusterName, nodeID string, log *zap.Logger) *JournalRecorder {
	r := &JournalRecorder{
		journal:       journal,
		clusterName:   clusterName,
		nodeID:        nodeID,
		logger:        log,
		records:       make(chan *models.TaskRecord, 1024),
		batchSize:     64,
		flushInterval: time.Second,
		done:          make(chan struct{}),
	}
	go r.loop()
	return r
}

// RecordTask implements cluster.TaskRecorder.
func (r *JournalRecorder) RecordTask(_ context.Context, rec cluster.TaskRecord) {
	row := &models.TaskRecord{
		ClusterName: r.clusterName,
		NodeID:      r.nodeID,
		Source:      rec.Source,
		Priority:    rec.Priority.String(),
		Outcome:     models.TaskOutcome(rec.Outcome),
		Error:       rec.Error,
		QueuedMs:    rec.QueuedFor.Milliseconds(),
		ExecutedMs:  rec.ExecutedFor.Milliseconds(),
		Version:     rec.Version,
		StateUUID:   rec.StateUUID,
		CompletedAt: rec.CompletedAt,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped++
		return
	}
	select {
	case r.records <- row:
	default:
		r.dropped++
	}
}

// Dropped counts records discarded because the buffer was full.
func (r *JournalRecorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *JournalRecorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.TaskRecord, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.journal.Append(ctx, batch...); err != nil {
			r.logger.Warn("Failed to journal task records", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes buffered records. Records arriving afterwards are dropped.
func (r *JournalRecorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.records)
		r.mu.Unlock()
	})
	<-r.done
	return nil
}
