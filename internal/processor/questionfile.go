package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

const questionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["text"],
    "properties": {
      "number": {"type": "string"},
      "section": {"type": "string"},
      "text": {"type": "string", "minLength": 1}
    }
  }
}`

// QuestionFile processes solicitation question files: the OCR text is stored,
// the questions an offeror must answer are extracted and both the questions
// and the text are indexed.
type QuestionFile struct {
	deps      Deps
	extractor QuestionExtractor
	schema    *jsonschema.Schema
}

func NewQuestionFile(deps Deps, extractor QuestionExtractor) (*QuestionFile, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, fmt.Errorf("question file processor requires a question extractor")
	}
	schema, err := compileSchema("questions.json", questionSchema)
	if err != nil {
		return nil, err
	}
	return &QuestionFile{deps: deps, extractor: extractor, schema: schema}, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func (q *QuestionFile) Process(ctx context.Context, subjectID, ownerID, externalJobID string) (*models.ProcessedResult, error) {
	const pipeline = models.PipelineQuestionFile
	logCtx := slog.With("pipeline", pipeline, "subjectId", subjectID, "ownerId", ownerID, "externalJobId", externalJobID)
	logCtx.Info("Processing question file.")

	doc, err := q.deps.extractText(ctx, logCtx, pipeline, subjectID, externalJobID)
	if err != nil {
		return nil, err
	}

	raw, err := q.extractor.ExtractQuestions(ctx, doc.textURI)
	if err != nil {
		return nil, fmt.Errorf("failed to extract questions: %w", err)
	}
	questions, err := q.parseQuestions(raw)
	if err != nil {
		logCtx.Error("Model output failed validation.", "error", err, "responseBody", string(raw))
		return nil, err
	}
	if len(questions) == 0 {
		logCtx.Warn("No questions found in question file.")
	}

	chunks := Chunk(doc.text, DefaultChunkSize, DefaultChunkOverlap)
	entries := make([]models.IndexEntry, 0, len(questions)+len(chunks))
	for i, question := range questions {
		entries = append(entries, models.IndexEntry{
			ID:        fmt.Sprintf("%s:%s:question:%d", pipeline, subjectID, i),
			SubjectID: subjectID,
			OwnerID:   ownerID,
			Pipeline:  pipeline,
			Kind:      models.EntryKindQuestion,
			Position:  i,
			Text:      question.Text,
		})
	}
	entries = append(entries, chunkEntries(pipeline, subjectID, ownerID, chunks, len(questions))...)

	result := &models.ProcessedResult{
		SubjectID:     subjectID,
		OwnerID:       ownerID,
		Pipeline:      pipeline,
		ExternalJobID: externalJobID,
		TextURI:       doc.textURI,
		PageCount:     doc.pages,
		ChunkCount:    len(chunks),
		Questions:     questions,
		Warnings:      doc.warnings,
	}
	if err := q.deps.publish(ctx, logCtx, result, entries); err != nil {
		return nil, err
	}
	logCtx.Info("Question file processed.", "questionCount", len(questions), "chunkCount", len(chunks))
	return result, nil
}

// parseQuestions validates the model's JSON against the question schema and
// normalizes whitespace in every field.
func (q *QuestionFile) parseQuestions(raw []byte) ([]models.Question, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from model: %w", err)
	}
	if err := q.schema.Validate(v); err != nil {
		return nil, fmt.Errorf("json does not match schema: %w", err)
	}

	var parsed []models.Question
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode questions: %w", err)
	}
	questions := make([]models.Question, 0, len(parsed))
	for _, p := range parsed {
		p.Text = strings.Join(strings.Fields(p.Text), " ")
		if p.Text == "" {
			continue
		}
		p.Number = strings.TrimSpace(p.Number)
		p.Section = strings.TrimSpace(p.Section)
		questions = append(questions, p)
	}
	return questions, nil
}
