package notes_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-apps"
	"github.com/MegaGrindStone/go-apps/servers/notes"
)

func newNotesHandler(t *testing.T) *apps.Serverless {
	t.Helper()

	handler, err := apps.NewServerless(apps.Info{Name: "notes", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	if err := notes.Register(handler); err != nil {
		t.Fatalf("failed to register notes app: %v", err)
	}
	return handler
}

// callOp invokes one operation on the singleton board instance of a non-multi
// host and returns its text payload.
func callOp(t *testing.T, handler *apps.Serverless, name string, args any) (string, bool) {
	t.Helper()

	argsBs, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("failed to marshal args: %v", err)
	}
	params, err := json.Marshal(apps.CallToolParams{Name: name, Arguments: argsBs})
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}

	res, ok := handler.HandleMessage(context.Background(), "claude-ai", apps.JSONRPCMessage{
		JSONRPC: apps.JSONRPCVersion,
		ID:      apps.MustString("1"),
		Method:  apps.MethodToolsCall,
		Params:  params,
	})
	if !ok {
		t.Fatalf("no response for %s", name)
	}
	if res.Error != nil {
		t.Fatalf("%s failed: %v", name, res.Error)
	}

	var result apps.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal %s result: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("%s returned no content", name)
	}
	return result.Content[0].Text, result.IsError
}

func TestRegister_DeclaresBoardAndOperations(t *testing.T) {
	handler := newNotesHandler(t)

	res, ok := handler.HandleMessage(context.Background(), "", apps.JSONRPCMessage{
		JSONRPC: apps.JSONRPCVersion,
		ID:      apps.MustString("1"),
		Method:  apps.MethodToolsList,
	})
	if !ok || res.Error != nil {
		t.Fatalf("tools/list failed: %v", res.Error)
	}

	var tools apps.ListToolsResult
	if err := json.Unmarshal(res.Result, &tools); err != nil {
		t.Fatalf("failed to unmarshal tools: %v", err)
	}

	want := []string{"write_note", "read_note", "list_notes", "search_notes", "diff_note", "delete_note"}
	if len(tools.Tools) != len(want) {
		t.Fatalf("tools/list returned %d tools, want %d", len(tools.Tools), len(want))
	}
	for i, name := range want {
		if tools.Tools[i].Name != name {
			t.Errorf("tools[%d] = %q, want %q", i, tools.Tools[i].Name, name)
		}
	}

	res, ok = handler.HandleMessage(context.Background(), "", apps.JSONRPCMessage{
		JSONRPC: apps.JSONRPCVersion,
		ID:      apps.MustString("2"),
		Method:  apps.MethodResourcesRead,
		Params:  json.RawMessage(`{"uri":"`+notes.BoardURI+`"}`),
	})
	if !ok || res.Error != nil {
		t.Fatalf("resources/read failed: %v", res.Error)
	}
	var read apps.ReadResourceResult
	if err := json.Unmarshal(res.Result, &read); err != nil {
		t.Fatalf("failed to unmarshal resource: %v", err)
	}
	if len(read.Contents) != 1 || !strings.Contains(read.Contents[0].Text, "notes-board") {
		t.Errorf("board payload = %+v, want the notes-board markup", read.Contents)
	}
}

func TestNotes_WriteReadRoundTrip(t *testing.T) {
	handler := newNotesHandler(t)

	text, isErr := callOp(t, handler, "write_note", map[string]string{
		"title": "todo",
		"body":  "buy milk",
	})
	if isErr {
		t.Fatalf("write_note reported error: %s", text)
	}

	text, isErr = callOp(t, handler, "read_note", map[string]string{"title": "todo"})
	if isErr {
		t.Fatalf("read_note reported error: %s", text)
	}

	var note notes.Note
	if err := json.Unmarshal([]byte(text), &note); err != nil {
		t.Fatalf("failed to unmarshal note: %v", err)
	}
	if note.Body != "buy milk" {
		t.Errorf("note body = %q, want %q", note.Body, "buy milk")
	}
}

func TestNotes_ReadMissingNote(t *testing.T) {
	handler := newNotesHandler(t)

	text, isErr := callOp(t, handler, "read_note", map[string]string{"title": "missing"})
	if !isErr {
		t.Error("read_note on a missing note must report an error result")
	}
	if !strings.Contains(text, "missing") {
		t.Errorf("error text = %q, want it to name the missing note", text)
	}
}

func TestNotes_WriteRequiresTitle(t *testing.T) {
	handler := newNotesHandler(t)

	text, isErr := callOp(t, handler, "write_note", map[string]string{"title": "", "body": "x"})
	if !isErr {
		t.Errorf("write_note with empty title succeeded: %s", text)
	}
}

func TestNotes_ListAndSearch(t *testing.T) {
	handler := newNotesHandler(t)

	callOp(t, handler, "write_note", map[string]string{"title": "meeting-monday", "body": "standup"})
	callOp(t, handler, "write_note", map[string]string{"title": "groceries", "body": "milk"})

	text, isErr := callOp(t, handler, "list_notes", map[string]string{})
	if isErr {
		t.Fatalf("list_notes reported error: %s", text)
	}
	var listed struct {
		Titles []string `json:"titles"`
	}
	if err := json.Unmarshal([]byte(text), &listed); err != nil {
		t.Fatalf("failed to unmarshal list result: %v", err)
	}
	if len(listed.Titles) != 2 {
		t.Fatalf("list_notes returned %d titles, want 2", len(listed.Titles))
	}

	text, isErr = callOp(t, handler, "search_notes", map[string]string{"pattern": "meeting-*"})
	if isErr {
		t.Fatalf("search_notes reported error: %s", text)
	}
	var searched struct {
		Notes []notes.Note `json:"notes"`
	}
	if err := json.Unmarshal([]byte(text), &searched); err != nil {
		t.Fatalf("failed to unmarshal search result: %v", err)
	}
	if len(searched.Notes) != 1 || searched.Notes[0].Title != "meeting-monday" {
		t.Errorf("search matched %+v, want only meeting-monday", searched.Notes)
	}

	text, isErr = callOp(t, handler, "search_notes", map[string]string{"pattern": "[invalid"})
	if !isErr {
		t.Errorf("search_notes with malformed pattern succeeded: %s", text)
	}
}

func TestNotes_DiffAfterEdit(t *testing.T) {
	handler := newNotesHandler(t)

	callOp(t, handler, "write_note", map[string]string{"title": "todo", "body": "buy milk"})
	callOp(t, handler, "write_note", map[string]string{"title": "todo", "body": "buy milk and eggs"})

	text, isErr := callOp(t, handler, "diff_note", map[string]string{"title": "todo"})
	if isErr {
		t.Fatalf("diff_note reported error: %s", text)
	}
	var diffed struct {
		Diff string `json:"diff"`
	}
	if err := json.Unmarshal([]byte(text), &diffed); err != nil {
		t.Fatalf("failed to unmarshal diff result: %v", err)
	}
	if !strings.Contains(diffed.Diff, "and eggs") {
		t.Errorf("diff %q does not show the inserted text", diffed.Diff)
	}
}

func TestNotes_Delete(t *testing.T) {
	handler := newNotesHandler(t)

	callOp(t, handler, "write_note", map[string]string{"title": "todo", "body": "buy milk"})

	text, isErr := callOp(t, handler, "delete_note", map[string]string{"title": "todo"})
	if isErr {
		t.Fatalf("delete_note reported error: %s", text)
	}

	text, isErr = callOp(t, handler, "delete_note", map[string]string{"title": "todo"})
	if !isErr {
		t.Errorf("second delete_note succeeded: %s", text)
	}
}
