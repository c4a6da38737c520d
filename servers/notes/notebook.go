package notes

import (
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Note is one stored note. The previous body is kept so the last edit can be
// diffed; older revisions are not retained.
type Note struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	PrevBody  string    `json:"prevBody,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Notebook is the per-instance state payload: every widget instance owns an
// independent set of notes.
type Notebook struct {
	Notes map[string]Note `json:"notes"`
}

func newNotebook() Notebook {
	return Notebook{Notes: make(map[string]Note)}
}

// write creates or replaces the note under title, retaining the previous body
// for diffing. Returns the stored note.
func (n *Notebook) write(title, body string) Note {
	if n.Notes == nil {
		n.Notes = make(map[string]Note)
	}
	prev := n.Notes[title].Body
	note := Note{
		Title:     title,
		Body:      body,
		PrevBody:  prev,
		UpdatedAt: time.Now().UTC(),
	}
	n.Notes[title] = note
	return note
}

func (n *Notebook) read(title string) (Note, bool) {
	note, ok := n.Notes[title]
	return note, ok
}

func (n *Notebook) delete(title string) bool {
	if _, ok := n.Notes[title]; !ok {
		return false
	}
	delete(n.Notes, title)
	return true
}

// titles returns all note titles in lexical order.
func (n *Notebook) titles() []string {
	out := make([]string, 0, len(n.Notes))
	for title := range n.Notes {
		out = append(out, title)
	}
	sort.Strings(out)
	return out
}

// search returns the notes whose title matches the glob pattern, in lexical
// order.
func (n *Notebook) search(pattern string) ([]Note, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern %q: %w", pattern, err)
	}

	var out []Note
	for _, title := range n.titles() {
		if g.Match(title) {
			out = append(out, n.Notes[title])
		}
	}
	return out, nil
}

// lastEditDiff renders the note's most recent edit as a unified-style text
// diff between its previous and current body.
func (n *Notebook) lastEditDiff(title string) (string, bool) {
	note, ok := n.Notes[title]
	if !ok {
		return "", false
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(note.PrevBody, note.Body, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs), true
}
