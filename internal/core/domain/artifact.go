package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ArtifactID string

// NewArtifactID returns a fresh random artifact id.
func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.New().String())
}

// RetentionPolicy decides when an artifact expires.
type RetentionPolicy string

const (
	RetentionTemporary RetentionPolicy = "temporary"
	RetentionShort     RetentionPolicy = "short"
	RetentionDefault   RetentionPolicy = "default"
	RetentionLong      RetentionPolicy = "long"
	RetentionPermanent RetentionPolicy = "permanent"
)

var retentionTTL = map[RetentionPolicy]time.Duration{
	RetentionTemporary: 24 * time.Hour,
	RetentionShort:     7 * 24 * time.Hour,
	RetentionDefault:   30 * 24 * time.Hour,
	RetentionLong:      90 * 24 * time.Hour,
}

// ParseRetentionPolicy maps a name to a policy. Unknown or empty names use the default policy.
func ParseRetentionPolicy(s string) RetentionPolicy {
	p := RetentionPolicy(strings.ToLower(strings.TrimSpace(s)))
	if p == RetentionPermanent {
		return p
	}
	if _, ok := retentionTTL[p]; ok {
		return p
	}
	return RetentionDefault
}

// ExpiresAt returns the expiry for an artifact created at created.
// Permanent artifacts return nil.
func (p RetentionPolicy) ExpiresAt(created time.Time) *time.Time {
	ttl, ok := retentionTTL[p]
	if !ok {
		return nil
	}
	t := created.Add(ttl)
	return &t
}

// Common artifact types.
const (
	ArtifactTypeResult       = "result"
	ArtifactTypeSummary      = "summary"
	ArtifactTypeErrorSummary = "error_summary"
	ArtifactTypeExport       = "export"
	ArtifactTypeLog          = "log"
)

// ArtifactMetadata is one entry of the artifact registry.
type ArtifactMetadata struct {
	ID              ArtifactID      `json:"artifact_id"`
	JobID           JobID           `json:"job_id"`
	Filename        string          `json:"filename"`
	Path            string          `json:"path"`
	Type            string          `json:"type"`
	SizeBytes       int64           `json:"size_bytes"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	RetentionPolicy RetentionPolicy `json:"retention_policy"`
	Compressed      bool            `json:"compressed"`
	AccessCount     int64           `json:"access_count"`
	LastAccessed    *time.Time      `json:"last_accessed,omitempty"`
}

// Expired reports whether the artifact is past its expiry at now.
func (m ArtifactMetadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Ref returns the job-side reference to this artifact.
func (m ArtifactMetadata) Ref() ArtifactRef {
	return ArtifactRef{ID: m.ID, Filename: m.Filename, Type: m.Type}
}
