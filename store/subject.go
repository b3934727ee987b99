package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/unfazed-dev/nexus-store-sub009/gdpr"
)

// The store satisfies gdpr.DataSource so it can be registered with the
// compliance service directly.

// EntityType names the collection for compliance traversal.
func (s *Store[T, ID]) EntityType() string { return s.Name() }

// SubjectDocuments returns the decrypted JSON documents whose subject field
// equals subjectID. Nested fields use gjson path syntax.
func (s *Store[T, ID]) SubjectDocuments(ctx context.Context, field, subjectID string) ([]map[string]any, error) {
	items, err := s.subjectItems(ctx, field, subjectID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		doc, err := s.backend.ToJSON(item)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// EraseSubject removes or anonymizes every matching record per the policy.
func (s *Store[T, ID]) EraseSubject(ctx context.Context, field, subjectID string, policy gdpr.EntityPolicy) (int, error) {
	items, err := s.subjectItems(ctx, field, subjectID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, item := range items {
		if policy.Mode == gdpr.Anonymize {
			doc, err := s.backend.ToJSON(item)
			if err != nil {
				return count, err
			}
			fields := policy.AnonymizeFields
			if len(fields) == 0 {
				fields = []string{field}
			}
			for _, f := range fields {
				if _, ok := doc[f]; ok {
					doc[f] = gdpr.AnonymizedToken
				}
			}
			anon, err := s.backend.FromJSON(doc)
			if err != nil {
				return count, err
			}
			if _, err := s.Save(ctx, anon); err != nil {
				return count, err
			}
		} else {
			if _, err := s.Delete(ctx, s.backend.IDOf(item)); err != nil {
				return count, err
			}
		}
		count++
	}
	return count, nil
}

// SubjectAccessSummary aggregates the subject's footprint using created_at /
// updated_at document fields when present.
func (s *Store[T, ID]) SubjectAccessSummary(ctx context.Context, field, subjectID string) (gdpr.AccessSummary, error) {
	items, err := s.subjectItems(ctx, field, subjectID)
	if err != nil {
		return gdpr.AccessSummary{}, err
	}

	summary := gdpr.AccessSummary{Count: len(items)}
	for _, item := range items {
		doc, err := s.backend.ToJSON(item)
		if err != nil {
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			continue
		}
		for _, f := range []string{"created_at", "updated_at"} {
			r := gjson.GetBytes(raw, f)
			if !r.Exists() {
				continue
			}
			if ts, err := time.Parse(time.RFC3339, r.String()); err == nil {
				if summary.Earliest.IsZero() || ts.Before(summary.Earliest) {
					summary.Earliest = ts
				}
				if ts.After(summary.Latest) {
					summary.Latest = ts
				}
			}
		}
	}
	return summary, nil
}

// subjectItems scans the decrypted local view for subject-field matches.
func (s *Store[T, ID]) subjectItems(ctx context.Context, field, subjectID string) ([]T, error) {
	if err := s.checkReady("gdpr_scan"); err != nil {
		return nil, err
	}

	all, err := s.localResult(ctx, nil)
	if err != nil {
		return nil, err
	}

	var out []T
	for _, item := range all {
		doc, err := s.backend.ToJSON(item)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		if gjson.GetBytes(raw, field).String() == subjectID {
			out = append(out, item)
		}
	}
	return out, nil
}
