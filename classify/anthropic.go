package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/voyantlabs/concierge-core/core"
)

// Anthropic classifies messages with a single small Claude call that
// returns a JSON label. The recent history window is included so
// follow-ups ("yes, that one") classify against their context.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates a Claude-backed classifier. Model defaults to
// claude-3-5-haiku-latest, the cheapest label-quality model.
func NewAnthropic(client *anthropic.Client, model string) *Anthropic {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &Anthropic{client: client, model: model}
}

const classifySystemPrompt = `You classify concierge messages into exactly one intent:
- information_request: the client wants a fact, record, or detail looked up
- recommendation_request: the client wants suggestions or options
- reminder_ack: the client is responding to a reminder notification
- project_update: the client reports or requests project/task changes
- data_capture: the client asks to remember something or set a reminder
- unstructured: none of the above

Reply with only a JSON object: {"intent": "<label>", "confidence": <0.0-1.0>}`

func (a *Anthropic) Classify(ctx context.Context, text string, history []*core.Message) (Result, error) {
	var transcript strings.Builder
	for _, m := range history {
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Direction, m.Text)
	}
	fmt.Fprintf(&transcript, "Classify this message: %q", text)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 64,
		System:    []anthropic.TextBlockParam{{Text: classifySystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(transcript.String())),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("classification call: %w", err)
	}

	var raw string
	for _, block := range resp.Content {
		if block.Type == "text" {
			raw += block.Text
		}
	}

	var label struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &label); err != nil {
		return Result{Intent: core.IntentUnstructured}, nil
	}

	intent := core.Intent(label.Intent)
	switch intent {
	case core.IntentInformation, core.IntentRecommendation, core.IntentReminderAck,
		core.IntentProjectUpdate, core.IntentDataCapture, core.IntentUnstructured:
	default:
		intent = core.IntentUnstructured
		label.Confidence = 0
	}
	if label.Confidence < 0 || label.Confidence > 1 {
		label.Confidence = 0
	}
	return Result{Intent: intent, Confidence: label.Confidence}, nil
}

// extractJSON pulls the first {...} object out of a model reply that
// may wrap it in prose or fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
