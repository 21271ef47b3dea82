package notes

import "time"

// resolveCreate applies the create-or-update-by-id rule against the stored copy.
func resolveCreate(existing *Note, request CreateRequest, appliedAt time.Time) Outcome {
	if existing == nil {
		createdAt := request.CreatedAtMillis
		if createdAt <= 0 {
			createdAt = appliedAt.UnixMilli()
		}
		return Outcome{
			Note: Note{
				NoteID:          request.NoteID.String(),
				Text:            request.Text.String(),
				CreatedAtMillis: createdAt,
				UpdatedAtMillis: copyMillis(request.UpdatedAtMillis),
			},
			Action: ActionCreated,
		}
	}

	if existing.Text == request.Text.String() {
		return Outcome{Note: *existing, Action: ActionUnchanged}
	}

	updated := *existing
	updated.Text = request.Text.String()
	updated.UpdatedAtMillis = updatedAtOrNow(request.UpdatedAtMillis, appliedAt)
	return Outcome{Note: updated, Action: ActionUpdated}
}

func resolveUpdate(existing Note, request UpdateRequest, appliedAt time.Time) Outcome {
	updated := existing
	updated.Text = request.Text.String()
	updated.UpdatedAtMillis = updatedAtOrNow(request.UpdatedAtMillis, appliedAt)
	return Outcome{Note: updated, Action: ActionUpdated}
}

func updatedAtOrNow(value *int64, appliedAt time.Time) *int64 {
	if value != nil && *value > 0 {
		return copyMillis(value)
	}
	now := appliedAt.UnixMilli()
	return &now
}

func copyMillis(value *int64) *int64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
