package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"telegram-ai-assistant/internal/models"
)

// IntentService turns a conversation into the assistant's next message.
type IntentService interface {
	Complete(ctx context.Context, turns []models.Turn) (string, error)
}

// OpenAIClient speaks the OpenAI-compatible chat completions API.
type OpenAIClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		model:      model,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type apiError struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
}

func (c *OpenAIClient) Complete(ctx context.Context, turns []models.Turn) (string, error) {
	msgs := make([]chatMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}
	body, err := json.Marshal(map[string]any{
		"model":    c.model,
		"messages": msgs,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := models.KindUnknown
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = models.KindTimeout
		}
		return "", &models.UpstreamError{Service: models.ServiceIntent, Kind: kind, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &models.UpstreamError{Service: models.ServiceIntent, Kind: models.KindUnknown, Err: fmt.Errorf("read response: %w", err)}
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *apiError `json:"error"`
	}
	decodeErr := json.Unmarshal(respBody, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", mapHTTPError(resp.StatusCode, out.Error)
	}
	if decodeErr != nil {
		return "", &models.UpstreamError{Service: models.ServiceIntent, Kind: models.KindBadOutput, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if out.Error != nil {
		return "", mapHTTPError(http.StatusInternalServerError, out.Error)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", &models.UpstreamError{Service: models.ServiceIntent, Kind: models.KindBadOutput, Err: errors.New("empty completion")}
	}
	return out.Choices[0].Message.Content, nil
}

var knownCodes = map[string]string{
	models.KindRateLimit:         models.KindRateLimit,
	models.KindContextLength:     models.KindContextLength,
	models.KindInvalidAPIKey:     models.KindInvalidAPIKey,
	models.KindInsufficientQuota: models.KindInsufficientQuota,
	models.KindModelNotFound:     models.KindModelNotFound,
	models.KindServerError:       models.KindServerError,
}

// mapHTTPError classifies an API failure by its error code, falling back to the status.
func mapHTTPError(status int, e *apiError) error {
	msg := http.StatusText(status)
	kind := ""
	if e != nil {
		msg = e.Message
		var code string
		if json.Unmarshal(e.Code, &code) == nil {
			kind = knownCodes[code]
		}
		if kind == "" {
			kind = knownCodes[e.Type]
		}
	}
	if kind == "" {
		switch {
		case status == http.StatusTooManyRequests:
			kind = models.KindRateLimit
		case status == http.StatusUnauthorized:
			kind = models.KindInvalidAPIKey
		case status == http.StatusNotFound:
			kind = models.KindModelNotFound
		case status >= 500:
			kind = models.KindServerError
		default:
			kind = models.KindUnknown
		}
	}
	return &models.UpstreamError{
		Service: models.ServiceIntent,
		Kind:    kind,
		Err:     fmt.Errorf("status %d: %s", status, msg),
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
