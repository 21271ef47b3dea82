package notes

import "testing"

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustText(t *testing.T, value string) NoteText {
	t.Helper()
	text, err := NewNoteText(value)
	if err != nil {
		t.Fatalf("unexpected note text error: %v", err)
	}
	return text
}

func millis(value int64) *int64 {
	return &value
}
