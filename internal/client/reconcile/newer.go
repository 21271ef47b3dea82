package reconcile

import "github.com/MarcoPoloResearchLab/notesync/internal/client/store"

// Newer returns whichever version should be kept: incoming wins only when its
// updatedAt is later than the local one. A missing updatedAt is older than any
// present value, and ties keep the local version.
func Newer(local, incoming store.Note) store.Note {
	if IsNewer(local, incoming) {
		return incoming
	}
	return local
}

// IsNewer reports whether incoming supersedes local.
func IsNewer(local, incoming store.Note) bool {
	if incoming.UpdatedAt == nil {
		return false
	}
	if local.UpdatedAt == nil {
		return true
	}
	return *incoming.UpdatedAt > *local.UpdatedAt
}
