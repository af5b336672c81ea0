package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/iago/feedback-pipeline/internal/domain"
)

const DefaultTTL = 24 * time.Hour

// InsightCache stores generated reports by request key. A miss is (zero, false, nil).
type InsightCache interface {
	Get(ctx context.Context, key string) (domain.InsightReport, bool, error)
	Set(ctx context.Context, key string, report domain.InsightReport) error
}

type keyIdentity struct {
	UserID    string                `json:"u"`
	ProjectID *string               `json:"p"`
	Filters   domain.InsightFilters `json:"f"`
}

// BuildKey hashes the identity of an insight request. Ids are opaque: they are
// trimmed but never case-folded, and a missing project encodes as JSON null so
// it cannot collide with a project literally named "null".
func BuildKey(userID string, projectID *string, filters domain.InsightFilters) string {
	identity := keyIdentity{
		UserID:  strings.TrimSpace(userID),
		Filters: canonicalFilters(filters),
	}
	if projectID != nil {
		project := strings.TrimSpace(*projectID)
		identity.ProjectID = &project
	}
	encoded, _ := json.Marshal(identity)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func canonicalFilters(filters domain.InsightFilters) domain.InsightFilters {
	if filters.StartDate != nil {
		start := filters.StartDate.UTC()
		filters.StartDate = &start
	}
	if filters.EndDate != nil {
		end := filters.EndDate.UTC()
		filters.EndDate = &end
	}
	return filters
}
