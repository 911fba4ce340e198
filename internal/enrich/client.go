// Package enrich extracts structured fields from free-form report text with an
// OpenAI-compatible chat completions endpoint (OpenRouter by default). The
// extraction is best effort: every failure degrades to a fallback field set so
// a report is never held back by the language model.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

const systemPrompt = "Ты помощник инженера-строителя. " +
	"Извлеки из сообщения три поля: 'Вид работ', 'Объем', 'Комментарий'. " +
	"Если данных нет — оставь пустыми. " +
	"Ответ верни строго в формате JSON, например: " +
	`{"Вид работ": "бетонирование перекрытия", "Объем": "25 м³", "Комментарий": "работы завершены"}.`

const (
	defaultReferer     = "http://localhost"
	defaultTitle       = "FieldLedger"
	defaultTemperature = 0.2
	// maxErrorBody bounds how much of a failed response ends up in logs.
	maxErrorBody = 512
)

var (
	ErrNoAPIKey    = errors.New("enrichment api key is not configured")
	ErrNoChoices   = errors.New("enrichment response has no choices")
	ErrUnparseable = errors.New("enrichment content is not a json object")
)

// APIError carries a non-2xx response from the completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("enrichment api returned %d: %s", e.StatusCode, e.Body)
}

// Extractor turns raw report text into structured fields.
type Extractor interface {
	Extract(ctx context.Context, rawText string) Result
}

// Result is always usable: when Err is set, Fields holds the fallback set.
type Result struct {
	Fields model.Fields
	Err    error
}

// Degraded reports whether the fallback field set was used.
func (r Result) Degraded() bool {
	return r.Err != nil
}

// Fallback is the field set used when extraction fails: the whole text goes
// into the comment column.
func Fallback(rawText string) model.Fields {
	return model.Fields{Comment: rawText}
}

func degraded(rawText string, err error) Result {
	return Result{Fields: Fallback(rawText), Err: err}
}

// Client talks to the chat completions endpoint.
type Client struct {
	httpClient  *http.Client
	url         string
	apiKey      string
	model       string
	referer     string
	title       string
	temperature float64
	timeout     time.Duration
	log         *logrus.Entry
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds a single Extract call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithModel overrides the model name sent with each request.
func WithModel(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.model = name
		}
	}
}

// WithAttribution sets the OpenRouter HTTP-Referer and X-Title headers.
func WithAttribution(referer, title string) Option {
	return func(c *Client) {
		c.referer = referer
		c.title = title
	}
}

// NewClient builds a Client. An empty apiKey is allowed; every call then
// degrades with ErrNoAPIKey.
func NewClient(url, apiKey string, logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{},
		url:         url,
		apiKey:      apiKey,
		referer:     defaultReferer,
		title:       defaultTitle,
		temperature: defaultTemperature,
		timeout:     30 * time.Second,
		log:         logger.WithField("component", "enrich"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a Client from the LLM_* settings.
func NewFromConfig(cfg *config.Config, logger *logrus.Logger) *Client {
	return NewClient(cfg.LLMAPIURL, cfg.LLMAPIKey, logger,
		WithModel(cfg.LLMModel),
		WithTimeout(cfg.LLMTimeout),
	)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Extract never returns an error value on its own; failures are reported
// through Result.Err alongside the fallback fields.
func (c *Client) Extract(ctx context.Context, rawText string) Result {
	if c.apiKey == "" {
		return degraded(rawText, ErrNoAPIKey)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.complete(ctx, rawText)
	if err != nil {
		return degraded(rawText, err)
	}
	c.log.WithField("content", content).Debug("llm raw response")

	fields, err := ParseFields(content)
	if err != nil {
		return degraded(rawText, err)
	}
	return Result{Fields: fields}
}

func (c *Client) complete(ctx context.Context, rawText string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: rawText},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call enrichment api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", ErrNoChoices
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

// Keys the model is asked for, followed by accepted aliases.
var (
	workTypeKeys = []string{"Вид работ", "work_type"}
	volumeKeys   = []string{"Объем", "Объём", "volume"}
	commentKeys  = []string{"Комментарий", "comment"}
)

// ParseFields reads the model output. The whole content is tried as JSON
// first; models that wrap the object in prose or a code fence are handled by
// cutting from the first '{' to the last '}'.
func ParseFields(content string) (model.Fields, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil || obj == nil {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return model.Fields{}, ErrUnparseable
		}
		obj = nil
		if err := json.Unmarshal([]byte(content[start:end+1]), &obj); err != nil || obj == nil {
			return model.Fields{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
	}
	return model.Fields{
		WorkType: lookup(obj, workTypeKeys),
		Volume:   lookup(obj, volumeKeys),
		Comment:  lookup(obj, commentKeys),
	}, nil
}

func lookup(obj map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			return stringify(v)
		}
	}
	return ""
}

// stringify coerces any JSON value to the string stored in the ledger.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(encoded)
	}
}
