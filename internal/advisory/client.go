// Package advisory implements core.AdvisoryPolicy against an
// OpenAI-compatible chat-completions endpoint.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/nanoswarm/core"
	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/observability"
)

var (
	// ErrUnavailable covers transport failures, timeouts and non-2xx replies.
	// It matches core.ErrAdvisoryUnavailable under errors.Is.
	ErrUnavailable = fmt.Errorf("advisory endpoint: %w", core.ErrAdvisoryUnavailable)
	// ErrMalformedResponse is returned when the reply is not a single known action.
	ErrMalformedResponse = errors.New("advisory endpoint: malformed response")
)

const (
	DefaultModel       = "meta-llama/Llama-3.3-70B-Instruct"
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 10
	DefaultTimeout     = 10 * time.Second

	// maxResponseBytes bounds how much of a reply body is read.
	maxResponseBytes = 1 << 20

	systemPrompt = "You are an intelligent nanobot. Respond with one word: target, follow_trail, explore, or return."
)

// Config describes the chat-completions endpoint.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	// Timeout bounds each HTTP exchange on top of any context deadline.
	Timeout time.Duration
}

// ConfigFromEnv reads SIM_ADVISORY_URL, SIM_ADVISORY_API_KEY and
// SIM_ADVISORY_MODEL.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL: strings.TrimSpace(os.Getenv("SIM_ADVISORY_URL")),
		APIKey:  strings.TrimSpace(os.Getenv("SIM_ADVISORY_API_KEY")),
		Model:   strings.TrimSpace(os.Getenv("SIM_ADVISORY_MODEL")),
	}
	return cfg.withDefaults()
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool { return c.BaseURL != "" }

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Client asks a language model which action a searching nanobot should take.
type Client struct {
	cfg  Config
	http *http.Client
	log  logging.Logger
}

var _ core.AdvisoryPolicy = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("advisory: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model is the model name sent with every request.
func (c *Client) Model() string { return c.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Decide implements core.AdvisoryPolicy.
func (c *Client) Decide(ctx context.Context, s core.AgentSummary) (core.Action, error) {
	ctx, span := observability.Tracer().Start(ctx, "advisory.Decide")
	defer span.End()
	span.SetAttributes(attribute.Int("nanobot.id", s.AgentID), attribute.String("advisory.model", c.cfg.Model))

	action, err := c.decide(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Debug(ctx, "advisory call failed", logging.Int("agent_id", s.AgentID), logging.Err(err))
		return "", err
	}
	span.SetAttributes(attribute.String("advisory.action", string(action)))
	return action, nil
}

func (c *Client) decide(ctx context.Context, s core.AgentSummary) (core.Action, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(s)},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode advisory request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	reply := decoded.Choices[0].Message.Content
	action, ok := core.ParseAction(reply)
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrMalformedResponse, reply)
	}
	return action, nil
}

// Prompt renders the user message sent for one agent.
func Prompt(s core.AgentSummary) string {
	var b strings.Builder
	b.WriteString("You are a nanobot carrying anti-cancer drugs through a tumor.\n\n")
	b.WriteString("Current status:\n")
	fmt.Fprintf(&b, "- Position: (%.1f, %.1f) µm\n", s.Position.X, s.Position.Y)
	fmt.Fprintf(&b, "- Drug payload: %.1f/%.0f units\n", s.Payload, s.MaxPayload)
	fmt.Fprintf(&b, "- Deliveries made: %d\n\n", s.Deliveries)
	b.WriteString("Local environment:\n")
	fmt.Fprintf(&b, "- Oxygen: %.2f mmHg (low oxygen = tumor hypoxia, good target)\n", s.Oxygen)
	fmt.Fprintf(&b, "- Drug concentration: %.2f (already treated area?)\n", s.Drug)
	fmt.Fprintf(&b, "- Trail pheromone: %.2f (successful delivery paths)\n", s.Trail)
	fmt.Fprintf(&b, "- Alarm pheromone: %.2f (problems reported here)\n", s.Alarm)
	fmt.Fprintf(&b, "- Nearby hypoxic cells: %d\n\n", s.NearbyHypoxic)
	b.WriteString("Actions:\n")
	b.WriteString("- 'target': Lock onto nearby hypoxic tumor cell\n")
	b.WriteString("- 'follow_trail': Follow pheromone trail to known good areas\n")
	b.WriteString("- 'explore': Use chemotaxis to explore new regions\n")
	b.WriteString("- 'return': Return to blood vessel to reload\n\n")
	b.WriteString("What should you do? Respond with ONE word only.")
	return b.String()
}
