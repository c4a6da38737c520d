package notes

import (
	"strings"
	"testing"
)

func TestNotebook_WriteKeepsPreviousBody(t *testing.T) {
	nb := newNotebook()

	first := nb.write("todo", "buy milk")
	if first.PrevBody != "" {
		t.Errorf("first write PrevBody = %q, want empty", first.PrevBody)
	}

	second := nb.write("todo", "buy milk and eggs")
	if second.PrevBody != "buy milk" {
		t.Errorf("second write PrevBody = %q, want %q", second.PrevBody, "buy milk")
	}
	if second.Body != "buy milk and eggs" {
		t.Errorf("Body = %q, want %q", second.Body, "buy milk and eggs")
	}
	if second.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}
}

func TestNotebook_ReadAndDelete(t *testing.T) {
	nb := newNotebook()
	nb.write("todo", "buy milk")

	if _, ok := nb.read("todo"); !ok {
		t.Error("read() did not find existing note")
	}
	if _, ok := nb.read("missing"); ok {
		t.Error("read() found a note that does not exist")
	}

	if !nb.delete("todo") {
		t.Error("delete() = false for existing note")
	}
	if nb.delete("todo") {
		t.Error("second delete() = true, want false")
	}
}

func TestNotebook_TitlesSorted(t *testing.T) {
	nb := newNotebook()
	nb.write("zebra", "z")
	nb.write("alpha", "a")
	nb.write("mango", "m")

	got := nb.titles()
	want := []string{"alpha", "mango", "zebra"}
	if len(got) != len(want) {
		t.Fatalf("titles() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("titles()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotebook_Search(t *testing.T) {
	nb := newNotebook()
	nb.write("meeting-monday", "standup")
	nb.write("meeting-friday", "retro")
	nb.write("groceries", "milk")

	matches, err := nb.search("meeting-*")
	if err != nil {
		t.Fatalf("search() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("search() matched %d notes, want 2", len(matches))
	}
	// Matches come back in title order.
	if matches[0].Title != "meeting-friday" || matches[1].Title != "meeting-monday" {
		t.Errorf("matches = [%q, %q], want sorted meeting notes", matches[0].Title, matches[1].Title)
	}

	none, err := nb.search("nothing-*")
	if err != nil {
		t.Fatalf("search() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("search() matched %d notes, want 0", len(none))
	}
}

func TestNotebook_SearchInvalidPattern(t *testing.T) {
	nb := newNotebook()
	nb.write("todo", "buy milk")

	if _, err := nb.search("[invalid"); err == nil {
		t.Error("search() with malformed pattern = nil error, want error")
	}
}

func TestNotebook_LastEditDiff(t *testing.T) {
	nb := newNotebook()
	nb.write("todo", "buy milk")
	nb.write("todo", "buy milk and eggs")

	diff, ok := nb.lastEditDiff("todo")
	if !ok {
		t.Fatal("lastEditDiff() did not find the note")
	}
	if !strings.Contains(diff, "and eggs") {
		t.Errorf("diff %q does not show the inserted text", diff)
	}

	if _, ok := nb.lastEditDiff("missing"); ok {
		t.Error("lastEditDiff() found a note that does not exist")
	}
}
