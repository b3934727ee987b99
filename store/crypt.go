package store

import (
	"context"

	"github.com/unfazed-dev/nexus-store-sub009/audit"
	"github.com/unfazed-dev/nexus-store-sub009/fieldcrypt"
	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

// encryptItem transforms configured fields to ciphertext for the backend
// boundary. Without field-level encryption it is the identity.
func (s *Store[T, ID]) encryptItem(ctx context.Context, item T) (T, error) {
	if s.codec == nil {
		return item, nil
	}
	doc, err := s.backend.ToJSON(item)
	if err != nil {
		return item, nexuserr.EncryptionFailed(err).WithOp("encrypt", s.Name())
	}
	enc, err := s.codec.EncryptFields(ctx, doc)
	if err != nil {
		return item, err
	}
	out, err := s.backend.FromJSON(enc)
	if err != nil {
		return item, nexuserr.EncryptionFailed(err).WithOp("encrypt", s.Name())
	}
	return out, nil
}

// decryptItem reverses encryptItem on the read path. Tag mismatches surface
// as decrypt errors and are never dropped.
func (s *Store[T, ID]) decryptItem(ctx context.Context, item T) (T, error) {
	if s.codec == nil {
		return item, nil
	}
	doc, err := s.backend.ToJSON(item)
	if err != nil {
		return item, nexuserr.DecryptionFailed(err).WithOp("decrypt", s.Name())
	}
	dec, err := s.codec.DecryptFields(ctx, doc)
	if err != nil {
		return item, err
	}
	out, err := s.backend.FromJSON(dec)
	if err != nil {
		return item, nexuserr.DecryptionFailed(err).WithOp("decrypt", s.Name())
	}
	return out, nil
}

// RotateEncryptionKeys re-encrypts every record under a new key: decrypt
// with the old key, encrypt with the new, save through the configured write
// policy. The rotation is audit-logged.
func (s *Store[T, ID]) RotateEncryptionKeys(ctx context.Context, newProvider fieldcrypt.KeyProvider) error {
	if err := s.checkReady("rotate_keys"); err != nil {
		return err
	}
	if s.codec == nil {
		return nexuserr.Validation("encryption", "field-level encryption is not configured").
			WithOp("rotate_keys", s.Name())
	}

	s.mu.Lock()
	items, err := s.localResultLocked(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.codec = s.codec.WithProvider(newProvider)
	s.mu.Unlock()

	rotated := 0
	for _, item := range items {
		if _, err := s.Save(ctx, item); err != nil {
			s.recordAudit(ctx, audit.ActionKeyRotation, "", false,
				map[string]any{"rotated": rotated, "error": err.Error()})
			return err
		}
		rotated++
	}

	s.recordAudit(ctx, audit.ActionKeyRotation, "", true, map[string]any{"rotated": rotated})
	return nil
}
