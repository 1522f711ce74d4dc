package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

var chunkNamespace = uuid.MustParse("6f1c9a52-4d0b-5e8f-9a57-3c2de1b07a44")

// Document is owned by the ingestion collaborator; retrieval only reads it.
type Document struct {
	ID         string    `json:"id"`
	Domain     Domain    `json:"domain"`
	Title      string    `json:"title"`
	SourceURI  string    `json:"source_uri"`
	Content    string    `json:"content"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Chunk is the unit of embedding and retrieval. ID is derived from
// (DocumentID, Offset) so re-ingesting the same document upserts in place.
type Chunk struct {
	ID         string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	Domain     Domain    `json:"domain"`
	Title      string    `json:"title"`
	SourceURI  string    `json:"source_uri"`
	Offset     int       `json:"offset"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	TokenCount int       `json:"token_count"`
}

// Segment is a slice of document text starting at rune Offset.
type Segment struct {
	Offset int
	Text   string
}

// ChunkID derives a stable chunk identifier from the document and offset.
func ChunkID(documentID string, offset int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+":"+strconv.Itoa(offset))).String()
}
