package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const aiSystemPrompt = `You are a security analyst. You receive evidence ` +
	`collected about a URL and judge how risky it is to visit. Reply with ` +
	`a single JSON object and nothing else: {"risk_score": <integer 0-10>, ` +
	`"summary": "<one or two sentences>"}.`

// AIOutput is produced by the ai_verdict stage.
type AIOutput struct {
	Model     string `json:"model"`
	RiskScore int    `json:"risk_score"`
	Summary   string `json:"summary"`
}

type aiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type aiRequest struct {
	Messages  []aiMessage `json:"messages"`
	MaxTokens int         `json:"max_tokens,omitempty"`
}

type aiResult struct {
	Response string `json:"response"`
}

// AIAdapter asks a Workers AI text model for a risk assessment based on the
// evidence gathered by the earlier stages.
type AIAdapter struct {
	client    *Client
	model     string
	maxTokens int
}

// NewAIAdapter creates the ai_verdict stage adapter.
func NewAIAdapter(client *Client, model string, maxTokens int) *AIAdapter {
	return &AIAdapter{client: client, model: model, maxTokens: maxTokens}
}

// Run implements Adapter.
func (a *AIAdapter) Run(ctx context.Context, target string, prior Evidence) (Output, error) {
	prompt, err := BuildPrompt(target, prior)
	if err != nil {
		return nil, err
	}

	var res aiResult
	if err := a.client.do(ctx, request{
		op:     "ai run",
		method: http.MethodPost,
		path:   "ai/run/" + a.model,
		body: aiRequest{
			Messages: []aiMessage{
				{Role: "system", Content: aiSystemPrompt},
				{Role: "user", Content: prompt},
			},
			MaxTokens: a.maxTokens,
		},
		enveloped: true,
	}, &res); err != nil {
		return nil, err
	}

	out, err := ParseAIResponse(res.Response)
	if err != nil {
		return nil, err
	}

	out.Model = a.model

	return encode(out)
}

// BuildPrompt renders the user prompt for target from the prior evidence.
func BuildPrompt(target string, prior Evidence) (string, error) {
	evidence, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		return "", Permanentf("encoding evidence: %w", err)
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "URL: %s\n\n", target)
	sb.WriteString("Evidence by stage (stages that failed are absent):\n")
	sb.Write(evidence)

	return sb.String(), nil
}

// ParseAIResponse extracts the JSON verdict from a model reply. Models often
// wrap JSON in prose or code fences, so only the outermost object is read.
func ParseAIResponse(response string) (*AIOutput, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")

	if start < 0 || end < start {
		return nil, Permanentf("ai response contains no json object: %q", truncate(response, 120))
	}

	var parsed struct {
		RiskScore *int   `json:"risk_score"`
		Summary   string `json:"summary"`
	}

	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return nil, Permanentf("decoding ai response: %w", err)
	}

	if parsed.RiskScore == nil {
		return nil, Permanentf("ai response has no risk_score")
	}

	if *parsed.RiskScore < 0 || *parsed.RiskScore > 10 {
		return nil, Permanentf("ai risk_score %d out of range", *parsed.RiskScore)
	}

	return &AIOutput{
		RiskScore: *parsed.RiskScore,
		Summary:   strings.TrimSpace(parsed.Summary),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
