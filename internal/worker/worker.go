// Package worker drains usage records to the archive store off the request
// path. Records are best-effort once they leave the guardian: a full queue
// drops, it never blocks a completion.
package worker

import (
	"context"
	"log"

	"github.com/vnmchuo/llm-governor/internal/cost"
)

type ArchiveQueue struct {
	store cost.ArchiveStore
	ch    chan *cost.UsageRecord
}

func NewArchiveQueue(store cost.ArchiveStore, depth int) *ArchiveQueue {
	if depth <= 0 {
		depth = 256
	}
	return &ArchiveQueue{
		store: store,
		ch:    make(chan *cost.UsageRecord, depth),
	}
}

// Enqueue hands off a record without blocking. Returns false when the
// queue is full and the record was dropped.
func (q *ArchiveQueue) Enqueue(rec *cost.UsageRecord) bool {
	select {
	case q.ch <- rec:
		return true
	default:
		log.Printf("[worker] archive queue full, dropping record %s", rec.RequestID)
		return false
	}
}

// Process runs the drain loop until ctx is cancelled.
func (q *ArchiveQueue) Process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-q.ch:
			if err := q.store.Archive(ctx, rec); err != nil {
				log.Printf("[worker] failed to archive record %s: %v", rec.RequestID, err)
			}
		}
	}
}
