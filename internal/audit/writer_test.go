package audit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clinistock/audit-engine/internal/audit"
	"github.com/clinistock/audit-engine/internal/db/models"
)

func (f *fakeRepo) all() []*models.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.AuditRecord, len(f.records))
	copy(out, f.records)
	return out
}

// blockingRepo parks every Append until release is closed, which pins the
// drain goroutine so queue overflow can be exercised deterministically.
type blockingRepo struct {
	fakeRepo
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRepo) Append(ctx context.Context, rec *models.AuditRecord) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.fakeRepo.Append(ctx, rec)
}

func recordWithAction(action string) *models.AuditRecord {
	rec := validRecord()
	rec.Action = action
	return rec
}

func TestWriter_PersistsEnqueued(t *testing.T) {
	repo := &fakeRepo{}
	writer := audit.NewWriter(audit.NewStore(repo), nil, 8, time.Second)

	writer.Enqueue(recordWithAction("CREATE"))
	writer.Enqueue(recordWithAction("UPDATE"))
	writer.Close()

	records := repo.all()
	if len(records) != 2 {
		t.Fatalf("persisted %d records, want 2", len(records))
	}
	if records[0].Action != "CREATE" || records[1].Action != "UPDATE" {
		t.Errorf("persisted actions %q, %q", records[0].Action, records[1].Action)
	}
}

func TestWriter_DropsOldestOnOverflow(t *testing.T) {
	repo := &blockingRepo{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	writer := audit.NewWriter(audit.NewStore(repo), nil, 2, 5*time.Second)

	// First record is taken by the drain goroutine, which then blocks inside
	// the store, leaving the queue itself empty.
	writer.Enqueue(recordWithAction("first"))
	select {
	case <-repo.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drain goroutine never picked up the first record")
	}

	// Fill the queue, then overflow it.
	writer.Enqueue(recordWithAction("second"))
	writer.Enqueue(recordWithAction("third"))
	writer.Enqueue(recordWithAction("fourth"))

	if depth := writer.Depth(); depth != 2 {
		t.Errorf("Depth = %d, want 2", depth)
	}

	close(repo.release)
	writer.Close()

	actions := make(map[string]bool)
	for _, rec := range repo.all() {
		actions[rec.Action] = true
	}
	if !actions["first"] || !actions["third"] || !actions["fourth"] {
		t.Errorf("persisted actions = %v, want first, third, fourth", actions)
	}
	if actions["second"] {
		t.Error("oldest queued record should have been dropped")
	}
	if len(actions) != 3 {
		t.Errorf("persisted %d distinct records, want 3", len(actions))
	}
}

func TestWriter_EnqueueAfterClose(t *testing.T) {
	repo := &fakeRepo{}
	writer := audit.NewWriter(audit.NewStore(repo), nil, 8, time.Second)
	writer.Close()

	writer.Enqueue(recordWithAction("LATE"))

	records := repo.all()
	if len(records) != 1 || records[0].Action != "LATE" {
		t.Fatalf("late record not persisted synchronously: %v", records)
	}
}

func TestWriter_CloseIdempotent(t *testing.T) {
	writer := audit.NewWriter(audit.NewStore(&fakeRepo{}), nil, 8, time.Second)
	writer.Close()
	writer.Close()
}

func TestWriter_ShipsPersistedRecords(t *testing.T) {
	repo := &fakeRepo{}
	shipper := &captureShipper{}
	writer := audit.NewWriter(audit.NewStore(repo), shipper, 8, time.Second)

	actor := "user-7"
	rec := recordWithAction("DELETE")
	rec.ActorID = &actor
	writer.Enqueue(rec)
	writer.Close()

	entries := shipper.all()
	if len(entries) != 1 {
		t.Fatalf("shipped %d entries, want 1", len(entries))
	}
	if entries[0].Action != "DELETE" || entries[0].ActorID != "user-7" {
		t.Errorf("shipped entry = %+v", entries[0])
	}
}

func TestWriter_InvalidRecordNotPersisted(t *testing.T) {
	repo := &fakeRepo{}
	writer := audit.NewWriter(audit.NewStore(repo), nil, 8, time.Second)

	writer.Enqueue(&models.AuditRecord{TenantID: "clinic-1"})
	writer.Close()

	if repo.count() != 0 {
		t.Errorf("persisted %d records, want 0", repo.count())
	}
}

// captureShipper records everything shipped to it.
type captureShipper struct {
	mu      sync.Mutex
	entries []*audit.LogEntry
}

func (c *captureShipper) Ship(_ context.Context, entry *audit.LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureShipper) Close() error { return nil }

func (c *captureShipper) all() []*audit.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*audit.LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}
