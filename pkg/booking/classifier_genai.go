package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"google.golang.org/genai"
)

const defaultClassifierModel = "gemini-2.0-flash"

// GenAIClassifier asks a Gemini model to name the corrected slot and value.
// Any failure is reported to the resolver, which falls back to pattern
// matching, so this path never blocks the call flow.
type GenAIClassifier struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

type GenAIClassifierOptions struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

func NewGenAIClassifier(ctx context.Context, opts GenAIClassifierOptions) (*GenAIClassifier, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("classifier api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = defaultClassifierModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIClassifier{client: client, model: opts.Model, logger: opts.Logger}, nil
}

type classifierVerdict struct {
	Slot  string `json:"slot"`
	Value string `json:"value"`
}

func (c *GenAIClassifier) Classify(ctx context.Context, utterance string, filled map[Slot]string) (*Correction, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("classifier is not initialized")
	}

	slots := make([]string, 0, len(filled))
	for slot, value := range filled {
		slots = append(slots, fmt.Sprintf("%s=%q", slot, value))
	}
	sort.Strings(slots)

	prompt := fmt.Sprintf(
		"A taxi-booking caller said: %q\n"+
			"Currently captured fields: %s\n"+
			"If the utterance corrects one of the captured fields, reply with JSON "+
			`{"slot":"<field>","value":"<new value>"}. Otherwise reply {"slot":""}. `+
			"Reply with JSON only.",
		utterance, strings.Join(slots, ", "),
	)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, fmt.Errorf("classify correction: %w", err)
	}

	raw := strings.TrimSpace(resp.Text())
	if raw == "" {
		return nil, nil
	}
	var verdict classifierVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("decode classifier verdict: %w", err)
	}
	slot := Slot(strings.TrimSpace(verdict.Slot))
	value := strings.TrimSpace(verdict.Value)
	if slot == "" || value == "" {
		return nil, nil
	}
	if _, ok := filled[slot]; !ok {
		c.logger.Debug("classifier named an unfilled slot, ignoring", "slot", string(slot))
		return nil, nil
	}
	return &Correction{Slot: slot, Value: value}, nil
}
