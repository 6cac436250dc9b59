// Package skillclient invokes skills over HTTP. Each step is a POST to the
// skill service; transport failures and 5xx responses classify as transient
// while an unknown skill is a configuration defect.
package skillclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/engine"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL string, logger *slog.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		// Per-call deadlines come from the step context; the client-level
		// timeout is only a hard upper bound.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger,
	}
}

type invokeRequest struct {
	Input domain.Metadata `json:"input"`
}

type invokeResponse struct {
	Status      string          `json:"status"`
	Output      domain.Metadata `json:"output,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
}

func (c *Client) Invoke(ctx context.Context, skill string, input domain.Metadata) (engine.SkillResult, error) {
	body, err := json.Marshal(invokeRequest{Input: input})
	if err != nil {
		return engine.SkillResult{}, domain.NewConfigurationError(fmt.Errorf("marshal skill input: %w", err))
	}

	url := c.baseURL + "/skills/" + skill
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return engine.SkillResult{}, domain.NewConfigurationError(fmt.Errorf("build skill request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.SkillResult{}, ctx.Err()
		}
		return engine.SkillResult{}, domain.NewTransientError(fmt.Errorf("invoke skill %q: %w", skill, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return engine.SkillResult{}, domain.NewTransientError(fmt.Errorf("read skill response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return engine.SkillResult{}, domain.NewConfigurationError(fmt.Errorf("skill not found: %q", skill))
	case resp.StatusCode >= 500:
		return engine.SkillResult{}, domain.NewTransientError(
			fmt.Errorf("skill %q returned %d: %s", skill, resp.StatusCode, truncate(payload)))
	case resp.StatusCode >= 400:
		return engine.SkillResult{}, domain.NewBusinessError(
			fmt.Errorf("skill %q rejected request with %d: %s", skill, resp.StatusCode, truncate(payload)), false)
	}

	var decoded invokeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return engine.SkillResult{}, domain.NewTransientError(fmt.Errorf("decode skill response: %w", err))
	}
	if decoded.Status == "" {
		decoded.Status = engine.SkillStatusSuccess
	}
	return engine.SkillResult{
		Status:      decoded.Status,
		Output:      decoded.Output,
		ErrorDetail: decoded.ErrorDetail,
		Retryable:   decoded.Retryable,
	}, nil
}

func truncate(body []byte) string {
	const max = 256
	text := strings.TrimSpace(string(body))
	if len(text) > max {
		return text[:max]
	}
	return text
}
