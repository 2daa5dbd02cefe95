package crypto

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. Version 7 IDs embed a millisecond
// timestamp, so audit entries and tasks sort in creation order by ID.
// Falls back to v4 on the rare clock failure.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
