package models

import "time"

// ProcessedResult is the output contract of a Result Processor, keyed by subject.
type ProcessedResult struct {
	SubjectID     string     `firestore:"subjectId" json:"subjectId"`
	OwnerID       string     `firestore:"ownerId" json:"ownerId"`
	Pipeline      string     `firestore:"pipeline" json:"pipeline"`
	ExternalJobID string     `firestore:"externalJobId" json:"externalJobId"`
	TextURI       string     `firestore:"textUri" json:"textUri"`
	PageCount     int        `firestore:"pageCount" json:"pageCount"`
	ChunkCount    int        `firestore:"chunkCount" json:"chunkCount"`
	Summary       string     `firestore:"summary,omitempty" json:"summary,omitempty"`
	Questions     []Question `firestore:"questions,omitempty" json:"questions,omitempty"`
	Warnings      []string   `firestore:"warnings,omitempty" json:"warnings,omitempty"`
	ProcessedAt   time.Time  `firestore:"processedAt" json:"processedAt"`
}

// ResultSummary is the part of a ProcessedResult recorded on the run itself.
type ResultSummary struct {
	TextURI       string `firestore:"textUri" json:"textUri"`
	PageCount     int    `firestore:"pageCount" json:"pageCount"`
	ChunkCount    int    `firestore:"chunkCount" json:"chunkCount"`
	QuestionCount int    `firestore:"questionCount" json:"questionCount"`
}

// Summarize reduces r to what the run keeps.
func (r *ProcessedResult) Summarize() *ResultSummary {
	if r == nil {
		return nil
	}
	return &ResultSummary{
		TextURI:       r.TextURI,
		PageCount:     r.PageCount,
		ChunkCount:    r.ChunkCount,
		QuestionCount: len(r.Questions),
	}
}

// Question is one question extracted from a solicitation question file.
type Question struct {
	Number  string `firestore:"number,omitempty" json:"number,omitempty"`
	Section string `firestore:"section,omitempty" json:"section,omitempty"`
	Text    string `firestore:"text" json:"text"`
}

// IndexEntry is one searchable unit submitted to the search index.
type IndexEntry struct {
	ID        string
	SubjectID string
	OwnerID   string
	Pipeline  string
	Kind      string
	Position  int
	Text      string
}

// Index entry kinds.
const (
	EntryKindChunk    = "chunk"
	EntryKindQuestion = "question"
)
