package repository

import "github.com/google/uuid"

// validUUIDs drops ids Postgres would reject as uuid input
func validUUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
