// exporter.go serializes a window of the audit trail into a single JSON
// document and uploads it to the object store. The document format is
// self-describing: a metadata header with the covered period and record
// count, followed by the records themselves, so a backup can be inspected
// and restored without consulting the live database schema.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clinistock/audit-engine/internal/db/models"
	"github.com/clinistock/audit-engine/internal/storage"
	"github.com/clinistock/audit-engine/pkg/checksum"
)

// payloadVersion identifies the backup document format.
const payloadVersion = "1.0"

// payloadMetadata is the self-describing header of one backup document.
type payloadMetadata struct {
	BackupDate  time.Time `json:"backupDate"`
	RecordCount int       `json:"recordCount"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	Version     string    `json:"version"`
}

// payloadRecord is the wire form of one audit record inside a backup.
type payloadRecord struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenantId"`
	ActorID      *string                `json:"actorId,omitempty"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   *string                `json:"resourceId,omitempty"`
	BeforeState  map[string]interface{} `json:"beforeState,omitempty"`
	AfterState   map[string]interface{} `json:"afterState,omitempty"`
	ClientIP     *string                `json:"clientIp,omitempty"`
	UserAgent    *string                `json:"userAgent,omitempty"`
	OccurredAt   time.Time              `json:"occurredAt"`
	Success      bool                   `json:"success"`
	ErrorDetail  *string                `json:"errorDetail,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// payload is the full backup document.
type payload struct {
	Metadata payloadMetadata `json:"metadata"`
	Records  []payloadRecord `json:"records"`
}

// RecordSource is the slice of the audit store the exporter reads.
type RecordSource interface {
	ListBetween(ctx context.Context, start, end time.Time) ([]*models.AuditRecord, error)
}

// RecordSink accepts restored records. Restoring an id that already exists is
// a silent skip, which makes restore idempotent.
type RecordSink interface {
	RestoreBatch(ctx context.Context, records []*models.AuditRecord) (int, error)
}

// Exporter writes backup documents to the object store and reads them back.
type Exporter struct {
	source RecordSource
	sink   RecordSink
	store  storage.ObjectStore
	prefix string
}

// NewExporter creates an exporter writing under the given key prefix.
func NewExporter(source RecordSource, sink RecordSink, store storage.ObjectStore, prefix string) *Exporter {
	if prefix == "" {
		prefix = "audit"
	}
	return &Exporter{
		source: source,
		sink:   sink,
		store:  store,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

// Prefix returns the object-store key prefix exports are written under.
func (e *Exporter) Prefix() string { return e.prefix }

// ExportResult describes one completed export.
type ExportResult struct {
	Key          string
	BytesWritten int64
	RecordCount  int
	Checksum     string
}

// Export serializes all records in [start, end) and uploads the document.
// An empty window still produces a document, so the backup cadence is
// observable in the object store even during quiet periods.
func (e *Exporter) Export(ctx context.Context, start, end time.Time) (*ExportResult, error) {
	records, err := e.source.ListBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading records for export: %w", err)
	}

	now := time.Now().UTC()
	doc := payload{
		Metadata: payloadMetadata{
			BackupDate:  now,
			RecordCount: len(records),
			PeriodStart: start,
			PeriodEnd:   end,
			Version:     payloadVersion,
		},
		Records: make([]payloadRecord, 0, len(records)),
	}
	for _, rec := range records {
		doc.Records = append(doc.Records, toPayloadRecord(rec))
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding backup document: %w", err)
	}

	sum, err := checksum.CalculateSHA256(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("hashing backup document: %w", err)
	}

	key := e.objectKey(now)
	result, err := e.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("uploading backup %s: %w", key, err)
	}
	if result.Checksum != "" && result.Checksum != sum {
		return nil, fmt.Errorf("backup %s checksum mismatch: local %s, stored %s", key, sum, result.Checksum)
	}

	return &ExportResult{
		Key:          key,
		BytesWritten: int64(len(body)),
		RecordCount:  len(records),
		Checksum:     sum,
	}, nil
}

// Import downloads a backup document and reinserts its records. Records
// whose ids already exist in the live store are skipped. Returns the number
// of records actually restored and the document's record count.
func (e *Exporter) Import(ctx context.Context, key string) (restored, total int, err error) {
	body, err := e.store.Download(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("downloading backup %s: %w", key, err)
	}
	defer body.Close()

	var doc payload
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return 0, 0, fmt.Errorf("decoding backup %s: %w", key, err)
	}
	if doc.Metadata.Version == "" {
		return 0, 0, fmt.Errorf("backup %s has no format version", key)
	}

	records := make([]*models.AuditRecord, 0, len(doc.Records))
	for i := range doc.Records {
		records = append(records, fromPayloadRecord(&doc.Records[i]))
	}

	restored, err = e.sink.RestoreBatch(ctx, records)
	if err != nil {
		return 0, 0, fmt.Errorf("restoring backup %s: %w", key, err)
	}
	return restored, len(records), nil
}

// objectKey builds the key for one export, e.g.
// audit/audit_logs_2026-08-31_1756597800000.json.
func (e *Exporter) objectKey(now time.Time) string {
	return fmt.Sprintf("%s/audit_logs_%s_%d.json", e.prefix, now.Format("2006-01-02"), now.UnixMilli())
}

func toPayloadRecord(rec *models.AuditRecord) payloadRecord {
	return payloadRecord{
		ID:           rec.ID,
		TenantID:     rec.TenantID,
		ActorID:      rec.ActorID,
		Action:       rec.Action,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		BeforeState:  rec.BeforeState,
		AfterState:   rec.AfterState,
		ClientIP:     rec.ClientIP,
		UserAgent:    rec.UserAgent,
		OccurredAt:   rec.OccurredAt,
		Success:      rec.Success,
		ErrorDetail:  rec.ErrorDetail,
		Metadata:     rec.Metadata,
	}
}

func fromPayloadRecord(pr *payloadRecord) *models.AuditRecord {
	return &models.AuditRecord{
		ID:           pr.ID,
		TenantID:     pr.TenantID,
		ActorID:      pr.ActorID,
		Action:       pr.Action,
		ResourceType: pr.ResourceType,
		ResourceID:   pr.ResourceID,
		BeforeState:  pr.BeforeState,
		AfterState:   pr.AfterState,
		ClientIP:     pr.ClientIP,
		UserAgent:    pr.UserAgent,
		OccurredAt:   pr.OccurredAt,
		Success:      pr.Success,
		ErrorDetail:  pr.ErrorDetail,
		Metadata:     pr.Metadata,
	}
}
