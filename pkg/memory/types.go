package memory

import (
	"encoding/json"
	"strings"
	"time"
)

// Type classifies an entry for retention policy. Episodic entries are
// TTL-eligible; semantic and procedural entries are retained until
// explicitly deleted.
type Type string

const (
	TypeSemantic   Type = "semantic"
	TypeEpisodic   Type = "episodic"
	TypeProcedural Type = "procedural"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case TypeSemantic, TypeEpisodic, TypeProcedural:
		return true
	}
	return false
}

// Entry is one immutable version row. The current value of a (namespace,
// key) pair is the highest version with IsDeleted false.
type Entry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Type      Type            `json:"memory_type"`
	Version   int64           `json:"version"`
	IsDeleted bool            `json:"is_deleted"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	CreatedBy string          `json:"created_by,omitempty"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// WriteResult reports the effect of a mutation so callers can verify it
// without a follow-up read.
type WriteResult struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Version   int64  `json:"version"`
	AuditID   string `json:"audit_id"`
}

// SearchParams selects current entries under a namespace prefix.
type SearchParams struct {
	NamespacePrefix string
	Type            Type // optional filter
	Limit           int
}

// validNamespace accepts colon-delimited hierarchical paths such as
// "user:alice:preferences". Empty segments are rejected.
func validNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, segment := range strings.Split(ns, ":") {
		if segment == "" {
			return false
		}
	}
	return true
}
