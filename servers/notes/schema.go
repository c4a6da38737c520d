package notes

import "encoding/json"

type writeNoteArgs struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type readNoteArgs struct {
	Title string `json:"title"`
}

type searchNotesArgs struct {
	Pattern string `json:"pattern"`
}

var writeNoteSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {
      "type": "string",
      "description": "Title of the note"
    },
    "body": {
      "type": "string",
      "description": "Markdown body of the note"
    }
  },
  "required": ["title", "body"]
}`)

var readNoteSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {
      "type": "string",
      "description": "Title of the note"
    }
  },
  "required": ["title"]
}`)

var listNotesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {}
}`)

var searchNotesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "pattern": {
      "type": "string",
      "description": "Glob pattern matched against note titles, e.g. 'meeting-*'"
    }
  },
  "required": ["pattern"]
}`)
