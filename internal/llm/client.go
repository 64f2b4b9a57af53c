// Package llm talks to an OpenAI-compatible chat-completions endpoint.
//
// Analyze streams the decision response and fires an early callback as soon
// as the structured head of the JSON parses, so order execution does not
// wait for the reason prose to finish generating. Complete is the plain
// blocking variant used for post-trade reviews.
package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"okx-swap-agent/internal/config"
	"okx-swap-agent/pkg/types"
)

const scanBufferSize = 1 << 20 // SSE lines can carry whole paragraphs

// Client is the chat-completions client.
type Client struct {
	http   *resty.Client
	cfg    config.LLMConfig
	logger *slog.Logger
}

// NewClient builds the LLM client from config.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		cfg:    cfg,
		logger: logger.With("component", "llm"),
	}
}

// NewSessionID returns a short id correlating one analysis cycle's logs,
// conversation row, and decision row.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	Stream         bool          `json:"stream"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze streams one decision. onEarly, when non-nil, fires at most once
// with the analysis extracted before the reason finished streaming. The
// returned analysis is the final parse of the whole response.
func (c *Client) Analyze(ctx context.Context, sessionID, system, user string, onEarly func(types.Analysis)) (types.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.cfg.Temperature,
		Stream:         true,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetBody(payload).
		Post("/chat/completions")
	if err != nil {
		return types.Analysis{}, fmt.Errorf("llm request: %w", err)
	}
	defer resp.RawBody().Close()

	if resp.StatusCode() != http.StatusOK {
		return types.Analysis{}, fmt.Errorf("llm status %d", resp.StatusCode())
	}

	var (
		buf     strings.Builder
		early   *types.Analysis
		started = time.Now()
	)

	scanner := bufio.NewScanner(resp.RawBody())
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		buf.WriteString(chunk.Choices[0].Delta.Content)

		if early == nil {
			if a, ok := TryEarly(buf.String()); ok {
				a.SessionID = sessionID
				early = &a
				c.logger.Info("early decision extracted",
					"session", sessionID,
					"signal", a.Signal,
					"confidence", a.Confidence,
					"elapsed", time.Since(started).Round(time.Millisecond))
				if onEarly != nil {
					onEarly(a)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// A dropped stream is still usable when the early decision landed.
		if early == nil {
			return types.Analysis{}, fmt.Errorf("llm stream: %w", err)
		}
		c.logger.Warn("stream broke after early decision", "session", sessionID, "error", err)
	}

	raw := buf.String()
	a, err := ParseFull(raw, early)
	if err != nil {
		return types.Analysis{}, err
	}
	a.SessionID = sessionID
	a.ResponseText = raw
	if early != nil {
		a.Early = true // execution already happened off the early extract
	}
	c.logger.Info("analysis complete",
		"session", sessionID,
		"signal", a.Signal,
		"confidence", a.Confidence,
		"elapsed", time.Since(started).Round(time.Millisecond))
	return a, nil
}

// Complete performs a blocking, non-streaming chat call. Used by the review
// generator with its own temperature and timeout.
func (c *Client) Complete(ctx context.Context, system, user string, temperature float64, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
	}

	var result chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("llm status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != nil {
		return "", fmt.Errorf("llm error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty llm response")
	}
	return result.Choices[0].Message.Content, nil
}
