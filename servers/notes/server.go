// Package notes implements a markdown notes app on the apps runtime. Each
// widget instance owns an independent notebook; edits are broadcast to the
// instance's realtime channel so every connected surface stays in sync.
package notes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/go-apps"
)

// BoardURI identifies the notes board resource.
const BoardURI = "ui://notes/board"

// boardPayload is the rendering payload served through resources/read. The
// host renders it and connects to the channel URL delivered in call results.
const boardPayload = `<!doctype html>
<div id="notes-board" data-component="notes-board"></div>
`

// Registrar is the registration surface shared by both deployment shapes of
// the runtime.
type Registrar interface {
	RegisterResource(apps.Resource) error
	RegisterOperation(apps.Operation) error
}

// boardUpdate is the message broadcast on the instance channel after every
// mutation.
type boardUpdate struct {
	Event  string   `json:"event"`
	Title  string   `json:"title,omitempty"`
	Titles []string `json:"titles"`
}

// Register declares the notes board resource and its operations on the given
// runtime.
func Register(r Registrar) error {
	if err := r.RegisterResource(apps.Resource{
		URI:          BoardURI,
		Name:         "Notes Board",
		Description:  "A markdown notes board. Each board instance holds its own notes.",
		MIMEType:     "text/html+skybridge",
		Payload:      boardPayload,
		Multiplicity: apps.MultiInstance,
		Realtime:     true,
	}); err != nil {
		return err
	}

	ops := []apps.Operation{
		{
			Name:        "write_note",
			Description: "Create a note or replace an existing one. The previous body is kept so the edit can be diffed.",
			InputSchema: writeNoteSchema,
			ResourceURI: BoardURI,
			Handler:     writeNote,
		},
		{
			Name:        "read_note",
			Description: "Read a note by title.",
			InputSchema: readNoteSchema,
			ResourceURI: BoardURI,
			Handler:     readNote,
		},
		{
			Name:        "list_notes",
			Description: "List all note titles on the board.",
			InputSchema: listNotesSchema,
			ResourceURI: BoardURI,
			Handler:     listNotes,
		},
		{
			Name:        "search_notes",
			Description: "Search notes whose title matches a glob pattern.",
			InputSchema: searchNotesSchema,
			ResourceURI: BoardURI,
			Handler:     searchNotes,
		},
		{
			Name:        "diff_note",
			Description: "Show the most recent edit of a note as a text diff.",
			InputSchema: readNoteSchema,
			ResourceURI: BoardURI,
			Handler:     diffNote,
		},
		{
			Name:        "delete_note",
			Description: "Delete a note by title.",
			InputSchema: readNoteSchema,
			ResourceURI: BoardURI,
			Handler:     deleteNote,
		},
	}

	for _, op := range ops {
		if err := r.RegisterOperation(op); err != nil {
			return err
		}
	}
	return nil
}

func notebook(octx *apps.OperationContext) Notebook {
	nb, ok := apps.State[Notebook](octx)
	if !ok {
		return newNotebook()
	}
	return nb
}

func writeNote(_ context.Context, args json.RawMessage, octx *apps.OperationContext) (apps.Result, error) {
	var p writeNoteArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return apps.Result{}, err
	}
	if p.Title == "" {
		return apps.Result{}, fmt.Errorf("note title must not be empty")
	}

	nb := notebook(octx)
	note := nb.write(p.Title, p.Body)
	octx.SetState(nb)

	if err := octx.Send(boardUpdate{Event: "written", Title: p.Title, Titles: nb.titles()}); err != nil {
		return apps.Result{}, err
	}

	return apps.Result{
		Payload: note,
		Title:   fmt.Sprintf("Saved %q", p.Title),
	}, nil
}

func readNote(_ context.Context, args json.RawMessage, octx *apps.OperationContext) (apps.Result, error) {
	var p readNoteArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return apps.Result{}, err
	}

	nb := notebook(octx)
	note, ok := nb.read(p.Title)
	if !ok {
		return apps.Result{
			Payload: fmt.Sprintf("note %q not found", p.Title),
			IsError: true,
		}, nil
	}
	return apps.Result{Payload: note, Title: note.Title}, nil
}

func listNotes(_ context.Context, _ json.RawMessage, octx *apps.OperationContext) (apps.Result, error) {
	nb := notebook(octx)
	return apps.Result{
		Payload: map[string][]string{"titles": nb.titles()},
		Title:   "Notes",
	}, nil
}

func searchNotes(_ context.Context, args json.RawMessage, octx *apps.OperationContext) (apps.Result, error) {
	var p searchNotesArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return apps.Result{}, err
	}

	nb := notebook(octx)
	matches, err := nb.search(p.Pattern)
	if err != nil {
		return apps.Result{
			Payload: err.Error(),
			IsError: true,
		}, nil
	}
	return apps.Result{
		Payload: map[string][]Note{"notes": matches},
		Title:   fmt.Sprintf("%d match(es)", len(matches)),
	}, nil
}

func diffNote(_ context.Context, args json.RawMessage, octx *apps.OperationContext) (apps.Result, error) {
	var p readNoteArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return apps.Result{}, err
	}

	nb := notebook(octx)
	diff, ok := nb.lastEditDiff(p.Title)
	if !ok {
		return apps.Result{
			Payload: fmt.Sprintf("note %q not found", p.Title),
			IsError: true,
		}, nil
	}
	return apps.Result{
		Payload: map[string]string{"diff": diff},
		Title:   fmt.Sprintf("Last edit of %q", p.Title),
	}, nil
}

func deleteNote(_ context.Context, args json.RawMessage, octx *apps.OperationContext) (apps.Result, error) {
	var p readNoteArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return apps.Result{}, err
	}

	nb := notebook(octx)
	if !nb.delete(p.Title) {
		return apps.Result{
			Payload: fmt.Sprintf("note %q not found", p.Title),
			IsError: true,
		}, nil
	}
	octx.SetState(nb)

	if err := octx.Send(boardUpdate{Event: "deleted", Title: p.Title, Titles: nb.titles()}); err != nil {
		return apps.Result{}, err
	}

	return apps.Result{
		Payload: map[string][]string{"titles": nb.titles()},
		Title:   fmt.Sprintf("Deleted %q", p.Title),
	}, nil
}
