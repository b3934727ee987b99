// Package gdpr implements subject-data export, erasure and access reporting
// over registered entity stores.
package gdpr

import (
	"context"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/audit"
	"github.com/unfazed-dev/nexus-store-sub009/logging"
	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

// EraseMode selects how matching records are removed.
type EraseMode string

const (
	// HardDelete removes the record entirely.
	HardDelete EraseMode = "hard_delete"
	// Anonymize replaces identifying fields with AnonymizedToken.
	Anonymize EraseMode = "anonymize"
)

// AnonymizedToken replaces identifying field values under Anonymize.
const AnonymizedToken = "[REDACTED]"

// EntityPolicy is the per-entity erasure policy.
type EntityPolicy struct {
	Mode            EraseMode
	AnonymizeFields []string
}

// AccessSummary aggregates a subject's footprint in one entity type.
type AccessSummary struct {
	Count    int
	Earliest time.Time
	Latest   time.Time
}

// DataSource is one registered entity store. Documents are decrypted before
// they cross this interface.
type DataSource interface {
	EntityType() string
	SubjectDocuments(ctx context.Context, field, subjectID string) ([]map[string]any, error)
	EraseSubject(ctx context.Context, field, subjectID string, policy EntityPolicy) (int, error)
	SubjectAccessSummary(ctx context.Context, field, subjectID string) (AccessSummary, error)
}

// ExportResult is the portability envelope.
type ExportResult struct {
	SubjectID  string         `json:"subject_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Entities   []EntityExport `json:"entities"`
	Categories []string       `json:"categories"`
}

// EntityExport groups exported items by entity type.
type EntityExport struct {
	EntityType string           `json:"entity_type"`
	Items      []map[string]any `json:"items"`
}

// EraseResult summarizes an erasure run.
type EraseResult struct {
	DeletedCount  int       `json:"deleted_count"`
	AffectedTypes []string  `json:"affected_types"`
	CompletedAt   time.Time `json:"completed_at"`
}

// AccessReport is the subject-access view.
type AccessReport struct {
	SubjectID  string                   `json:"subject_id"`
	Counts     map[string]int           `json:"counts"`
	Categories []string                 `json:"categories"`
	Earliest   time.Time                `json:"earliest,omitempty"`
	Latest     time.Time                `json:"latest,omitempty"`
	Purposes   map[string][]string      `json:"purposes,omitempty"`
	Summaries  map[string]AccessSummary `json:"-"`
}

// Config configures the service.
type Config struct {
	SubjectIDField string
	Policies       map[string]EntityPolicy
	Categories     map[string][]string
	Purposes       map[string][]string
}

// Service coordinates compliance operations across registered sources.
type Service struct {
	cfg      Config
	sources  []DataSource
	auditLog *audit.Log
	logger   *logging.Logger
}

// NewService builds a service. The subject-id field is required.
func NewService(cfg Config, auditLog *audit.Log, logger *logging.Logger, sources ...DataSource) (*Service, error) {
	if cfg.SubjectIDField == "" {
		return nil, nexuserr.Validation("subject_id_field", "subject id field is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{cfg: cfg, sources: sources, auditLog: auditLog, logger: logger}, nil
}

// Register adds a data source after construction.
func (s *Service) Register(src DataSource) {
	s.sources = append(s.sources, src)
}

// Export produces the portability envelope for a subject. Every registered
// entity type is scanned; field-level encryption is decrypted before export.
func (s *Service) Export(ctx context.Context, subjectID string) (*ExportResult, error) {
	result := &ExportResult{
		SubjectID:  subjectID,
		ExportedAt: time.Now().UTC(),
	}

	catSet := make(map[string]bool)
	for _, src := range s.sources {
		items, err := src.SubjectDocuments(ctx, s.cfg.SubjectIDField, subjectID)
		if err != nil {
			s.record(ctx, audit.ActionExport, src.EntityType(), subjectID, false, err)
			return nil, err
		}
		result.Entities = append(result.Entities, EntityExport{
			EntityType: src.EntityType(),
			Items:      items,
		})
		for _, cat := range s.cfg.Categories[src.EntityType()] {
			catSet[cat] = true
		}
		s.record(ctx, audit.ActionExport, src.EntityType(), subjectID, true, nil)
	}

	for cat := range catSet {
		result.Categories = append(result.Categories, cat)
	}
	return result, nil
}

// Erase applies the per-entity policy to every matching record: hard delete
// by default, anonymization when configured.
func (s *Service) Erase(ctx context.Context, subjectID string) (*EraseResult, error) {
	result := &EraseResult{}

	for _, src := range s.sources {
		policy, ok := s.cfg.Policies[src.EntityType()]
		if !ok {
			policy = EntityPolicy{Mode: HardDelete}
		}
		count, err := src.EraseSubject(ctx, s.cfg.SubjectIDField, subjectID, policy)
		if err != nil {
			s.record(ctx, audit.ActionErase, src.EntityType(), subjectID, false, err)
			return nil, err
		}
		if count > 0 {
			result.DeletedCount += count
			result.AffectedTypes = append(result.AffectedTypes, src.EntityType())
		}
		s.record(ctx, audit.ActionErase, src.EntityType(), subjectID, true, nil)
	}

	result.CompletedAt = time.Now().UTC()
	return result, nil
}

// Access builds the subject-access report: counts, categories, time bounds
// and recorded processing purposes.
func (s *Service) Access(ctx context.Context, subjectID string) (*AccessReport, error) {
	report := &AccessReport{
		SubjectID: subjectID,
		Counts:    make(map[string]int),
		Purposes:  s.cfg.Purposes,
		Summaries: make(map[string]AccessSummary),
	}

	catSet := make(map[string]bool)
	for _, src := range s.sources {
		summary, err := src.SubjectAccessSummary(ctx, s.cfg.SubjectIDField, subjectID)
		if err != nil {
			return nil, err
		}
		report.Counts[src.EntityType()] = summary.Count
		report.Summaries[src.EntityType()] = summary
		if summary.Count > 0 {
			for _, cat := range s.cfg.Categories[src.EntityType()] {
				catSet[cat] = true
			}
			if !summary.Earliest.IsZero() && (report.Earliest.IsZero() || summary.Earliest.Before(report.Earliest)) {
				report.Earliest = summary.Earliest
			}
			if summary.Latest.After(report.Latest) {
				report.Latest = summary.Latest
			}
		}
	}

	for cat := range catSet {
		report.Categories = append(report.Categories, cat)
	}
	return report, nil
}

func (s *Service) record(ctx context.Context, action audit.Action, entityType, subjectID string, success bool, cause error) {
	if s.auditLog == nil {
		return
	}
	details := map[string]any{"subject_id": subjectID}
	if cause != nil {
		details["error"] = cause.Error()
	}
	if err := s.auditLog.Record(ctx, action, entityType, "", success, details); err != nil {
		s.logger.WithError(err).Warn("GDPR audit record failed")
	}
}
