package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/adaql/ada/internal/observability"
)

var ErrMissingCostTag = errors.New("llm call without cost tag")

type Config struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	CostTagHeader  string
	Transport      http.RoundTripper
}

// Gateway talks to an OpenAI-compatible endpoint.
type Gateway struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.ChatModel == "" {
		return nil, fmt.Errorf("chat model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}
	if cfg.CostTagHeader == "" {
		cfg.CostTagHeader = "X-Cost-Tag"
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	oc.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	oc.HTTPClient = &http.Client{Transport: &costTagTransport{header: cfg.CostTagHeader, base: base}}
	return &Gateway{client: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger}, nil
}

func (g *Gateway) Complete(ctx context.Context, call Call, schema SchemaSpec) (string, error) {
	if call.UseCase == "" || call.TenantID == "" {
		return "", ErrMissingCostTag
	}
	ctx = withCostTag(ctx, CostTag(call.TenantID, call.UseCase))

	messages := make([]openai.ChatCompletionMessage, 0, len(call.Messages))
	for _, m := range call.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:       g.cfg.ChatModel,
		Messages:    messages,
		Temperature: float32(g.cfg.Temperature),
	}
	if schema.Definition != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schema.Name,
				Schema: schema.Definition,
				Strict: true,
			},
		}
	}

	start := time.Now()
	resp, err := retryCall(ctx, g, call.UseCase, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return g.client.CreateChatCompletion(ctx, req)
	})
	observability.ObserveLLMCall(call.UseCase, time.Since(start), err)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Gateway) Embed(ctx context.Context, call EmbedCall) ([]float32, error) {
	if call.UseCase == "" || call.TenantID == "" {
		return nil, ErrMissingCostTag
	}
	ctx = withCostTag(ctx, CostTag(call.TenantID, call.UseCase))
	req := openai.EmbeddingRequest{
		Input: []string{call.Input},
		Model: openai.EmbeddingModel(g.cfg.EmbeddingModel),
	}

	start := time.Now()
	resp, err := retryCall(ctx, g, call.UseCase, func(ctx context.Context) (openai.EmbeddingResponse, error) {
		return g.client.CreateEmbeddings(ctx, req)
	})
	observability.ObserveLLMCall(call.UseCase, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

func retryCall[T any](ctx context.Context, g *Gateway, useCase string, call func(context.Context) (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = g.cfg.BaseBackoff
	expo.MaxInterval = g.cfg.MaxBackoff

	attempt := 0
	op := func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
		out, err := call(attemptCtx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return out, backoff.Permanent(err)
		}
		g.logger.WarnContext(ctx, "llm call failed, retrying",
			slog.String("use_case", useCase),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return out, err
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(g.cfg.MaxAttempts)),
	)
	if err != nil {
		return out, fmt.Errorf("%s after %d attempt(s): %w", useCase, attempt, err)
	}
	return out, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrMissingCostTag) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || retryableStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

type costTagKey struct{}

func withCostTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, costTagKey{}, tag)
}

// costTagTransport stamps the cost tag on every outgoing request and refuses
// requests that do not carry one.
type costTagTransport struct {
	header string
	base   http.RoundTripper
}

func (t *costTagTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tag, _ := req.Context().Value(costTagKey{}).(string)
	if tag == "" {
		return nil, ErrMissingCostTag
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(t.header, tag)
	return t.base.RoundTrip(clone)
}
