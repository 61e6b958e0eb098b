package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const generativeModelName = "gemini-1.5-pro"

// --- Summary Model Prompts ---
const SummarySystemPrompt = "You are a proposal analyst. You read documents extracted by OCR from a company's knowledge base and write short factual summaries that help a proposal writer decide whether the document is relevant."
const SummaryUserPrompt = `You will be provided with the OCR text of one document.

Write a summary of at most 150 words covering:
- what kind of document it is (e.g. past performance, resume, capability statement, policy),
- the customer, contract or programme it relates to, if stated,
- the key capabilities, qualifications or figures it contains.

OCR noise such as broken lines, page numbers and running headers should be ignored.
Return ONLY the summary text, without a heading or preamble.`

// --- Question Extraction Model Prompts ---
const QuestionSystemPrompt = "You are a specialist solicitation analysis tool. Your task is to find every question or requirement an offeror must respond to in a solicitation document. You must output your response as a valid JSON array."
const QuestionUserPrompt = `Analyze the provided solicitation text and list every question or response requirement in it.

Follow these rules precisely:
1.  A question is any numbered question, any request for information, or any "shall describe"/"shall provide" instruction addressed to the offeror.
2.  Create a JSON object for each question, in document order.
3.  Each JSON object must have these keys:
    - "number": the question's own numbering if it has one (e.g. "L.4.2(a)"), otherwise an empty string.
    - "section": the header of the section the question appears under, or an empty string.
    - "text": the full text of the question, with OCR line breaks removed.
4.  The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.

Example output format:
[
  {
    "number": "1",
    "section": "Section L - Instructions to Offerors",
    "text": "Describe your approach to transitioning the incumbent workforce."
  }
]`

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"as a large language model",
}

// VertexClient holds the pre-configured generative models used by the
// result processors.
type VertexClient struct {
	SummaryModel  *genai.GenerativeModel
	QuestionModel *genai.GenerativeModel
	baseClient    *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	safety := []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	summaryModel := baseClient.GenerativeModel(generativeModelName)
	summaryModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarySystemPrompt)},
	}
	summaryModel.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.2),
		MaxOutputTokens: genai.Ptr[int32](512),
	}
	summaryModel.SafetySettings = safety

	questionModel := baseClient.GenerativeModel(generativeModelName)
	questionModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(QuestionSystemPrompt)},
	}
	questionModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output; the processor validates it against a schema.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	questionModel.SafetySettings = safety

	return &VertexClient{
		SummaryModel:  summaryModel,
		QuestionModel: questionModel,
		baseClient:    baseClient,
	}, nil
}

// Summarize asks the summary model about the text stored at textURI.
func (c *VertexClient) Summarize(ctx context.Context, textURI string) (string, error) {
	resp, err := c.SummaryModel.GenerateContent(ctx,
		genai.FileData{MIMEType: "text/plain", FileURI: textURI},
		genai.Text(SummaryUserPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate summary from gemini: %w", err)
	}
	summary := strings.TrimSpace(responseText(resp))
	if summary == "" {
		return "", fmt.Errorf("gemini returned an empty summary for %s", textURI)
	}
	if isRefusal(summary) {
		return "", fmt.Errorf("gemini response indicates refusal to summarize %s", textURI)
	}
	return summary, nil
}

// ExtractQuestions returns the question model's raw JSON for the text stored
// at textURI. Callers validate the document before trusting it.
func (c *VertexClient) ExtractQuestions(ctx context.Context, textURI string) ([]byte, error) {
	resp, err := c.QuestionModel.GenerateContent(ctx,
		genai.FileData{MIMEType: "text/plain", FileURI: textURI},
		genai.Text(QuestionUserPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to extract questions from gemini: %w", err)
	}
	raw := stripJSONFences(responseText(resp))
	if raw == "" {
		return nil, fmt.Errorf("gemini returned an empty response instead of JSON for %s", textURI)
	}
	return []byte(raw), nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isRefusal(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
