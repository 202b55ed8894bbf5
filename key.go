package ensemble

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	minEntityIDLen = 3
	maxEntityIDLen = 128
)

var entityIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)

// EntityKey addresses one entity instance across the cluster.
type EntityKey struct {
	AppID string
	Type  string
	ID    string
}

// FullKey is the cluster-wide identity used for ownership records and
// worker hashing.
func (k EntityKey) FullKey() string {
	return FullKey(k.AppID, k.Type, k.ID)
}

func (k EntityKey) String() string {
	return k.FullKey()
}

// FullKey joins the three parts of an entity address with underscores.
func FullKey(appID, entityType, entityID string) string {
	var b strings.Builder
	b.Grow(len(appID) + len(entityType) + len(entityID) + 2)
	b.WriteString(appID)
	b.WriteByte('_')
	b.WriteString(entityType)
	b.WriteByte('_')
	b.WriteString(entityID)
	return b.String()
}

// IsEntityIDValid reports whether id is 3 to 128 characters drawn from
// letters, digits, underscore and hyphen.
func IsEntityIDValid(id string) bool {
	if len(id) < minEntityIDLen || len(id) > maxEntityIDLen {
		return false
	}
	return entityIDPattern.MatchString(id)
}

// WorkerFor picks the worker responsible for fullKey on a node. Every
// worker on every node must agree on the order of workerIDs.
func WorkerFor(fullKey string, workerIDs []string) string {
	if len(workerIDs) == 0 {
		return ""
	}
	return workerIDs[xxhash.Sum64String(fullKey)%uint64(len(workerIDs))]
}
