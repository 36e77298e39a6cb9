package service

import (
	"strings"

	"github.com/google/uuid"
)

// rowID trims a room or message id. Rows are keyed by UUID, so anything else
// cannot name a row and is NotFound before it reaches the store.
func rowID(id, field, noun string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", validationError("%s is required", field)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", notFound("%s not found", noun)
	}
	return id, nil
}

// rowIDs keeps the well-formed UUIDs of ids, deduplicated
func rowIDs(ids []string) []string {
	out := ids[:0:0]
	for _, id := range uniqueIDs(ids) {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
