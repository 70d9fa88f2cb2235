package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fraudlab/ringtrace/internal/models"
)

// Advisor answers the one question the engine cannot answer deterministically:
// is another hop worth its cost? Its answer is advisory only; hard budget
// stops are enforced before it is ever consulted.
type Advisor interface {
	Advise(ctx context.Context, req AdviceRequest) (*Advice, error)
}

// Narrator turns an evidence summary into analyst-readable prose.
type Narrator interface {
	Narrate(ctx context.Context, prompt string) (string, error)
}

// AdviceRequest is the investigation snapshot the model reasons over.
type AdviceRequest struct {
	SuspectAccountID  string                `json:"suspect_account_id"`
	Hop               int                   `json:"current_hop"`
	MaxHops           int                   `json:"max_hops"`
	CostSpent         float64               `json:"cost_spent"`
	CostBudget        float64               `json:"cost_budget"`
	NodesExplored     int                   `json:"nodes_explored"`
	MaxNodes          int                   `json:"max_nodes"`
	LastHopCandidates int                   `json:"last_hop_candidates"`
	HighRiskCount     int                   `json:"high_risk_count"`
	MediumRiskCount   int                   `json:"medium_risk_count"`
	TopScores         []models.AccountScore `json:"top_scores"`
}

// Advice is the parsed model response. EdgeTypes, when present, narrows the
// next hop to the relationship types the model considers productive.
type Advice struct {
	Continue  bool              `json:"continue"`
	Rationale string            `json:"rationale"`
	EdgeTypes []models.EdgeType `json:"edge_types,omitempty"`
}

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
}

// Client talks to any OpenAI-compatible chat endpoint, including a local
// Ollama instance.
type Client struct {
	api         *openai.Client
	model       string
	timeout     time.Duration
	maxRetries  int
	temperature float32
}

func New(cfg Config) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		temperature: float32(cfg.Temperature),
	}
}

const adviseSystemPrompt = `You are a fraud investigation analyst deciding whether to expand a graph search another hop.
Respond with a single JSON object and nothing else:
{"continue": true|false, "rationale": "<one sentence>", "edge_types": ["USES_DEVICE","USES_IP","TRANSACTS"]}
Include "edge_types" only when narrowing the next hop to specific relationship types is clearly justified; omit it to search all types.
Recommend stopping when recent hops found few or no promising candidates, or when remaining budget is better saved.`

// Advise asks the model whether to continue expanding. Unreachable endpoints,
// timeouts, and unparseable replies all come back as ErrReasoningUnavailable;
// the caller falls back to its deterministic heuristic.
func (c *Client) Advise(ctx context.Context, req AdviceRequest) (*Advice, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding advice request: %w", err)
	}

	raw, err := c.complete(ctx, adviseSystemPrompt, string(payload))
	if err != nil {
		return nil, err
	}

	advice, err := parseAdvice(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrReasoningUnavailable, err)
	}
	return advice, nil
}

const narrateSystemPrompt = `You are a fraud investigation analyst writing the final markdown report for a completed case.
Write clear, factual prose grounded strictly in the evidence provided. Do not invent accounts, amounts, or events.`

func (c *Client) Narrate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, narrateSystemPrompt, prompt)
}

// complete runs one chat completion with bounded retries. Each attempt gets
// its own timeout so a hung endpoint cannot stall the workflow.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", models.ErrReasoningUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.api.CreateChatCompletion(attemptCtx, openai.ChatCompletionRequest{
			Model:       c.model,
			Temperature: c.temperature,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
		cancel()

		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("empty completion")
			continue
		}
		return resp.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: %v", models.ErrReasoningUnavailable, lastErr)
}

// parseAdvice extracts the JSON decision from a model reply, tolerating
// markdown code fences and leading prose around the object.
func parseAdvice(raw string) (*Advice, error) {
	text := strings.TrimSpace(raw)

	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply %q", truncate(raw, 120))
	}

	var advice Advice
	if err := json.Unmarshal([]byte(text[start:end+1]), &advice); err != nil {
		return nil, fmt.Errorf("decoding advice: %w", err)
	}

	advice.EdgeTypes = validEdgeTypes(advice.EdgeTypes)
	if advice.Rationale == "" {
		advice.Rationale = "no rationale provided"
	}
	return &advice, nil
}

// validEdgeTypes drops anything the traversal layer would not understand.
func validEdgeTypes(types []models.EdgeType) []models.EdgeType {
	known := map[models.EdgeType]bool{}
	for _, t := range models.AllEdgeTypes() {
		known[t] = true
	}

	var out []models.EdgeType
	seen := map[models.EdgeType]bool{}
	for _, t := range types {
		if known[t] && !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
