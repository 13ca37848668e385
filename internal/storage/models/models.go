package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is the metadata-store record for an uploaded file.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	UploadedAt time.Time `json:"upload_time"`
}

// IndexedChunk is one embedded segment of a document in the vector index.
type IndexedChunk struct {
	ID        string
	DocID     string
	Filename  string
	Position  int
	Text      string
	Embedding []float32
	IndexedAt time.Time
}

type SearchResult struct {
	ChunkID  string
	DocID    string
	Filename string
	Position int
	Text     string
	Score    float32
}

// ConversationTurn is one question/answer exchange within a chat session.
type ConversationTurn struct {
	ID        int64
	SessionID string
	UserQuery string
	Answer    string
	Model     string
	CreatedAt time.Time
}
