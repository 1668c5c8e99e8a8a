// File: internal/patch/gemini.go
package patch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/docfix-cli/internal/config"
)

// contentGenerator is the slice of the genai client the generator uses. *genai.Models
// satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator implements Generator against the Gemini API.
type GeminiGenerator struct {
	models  contentGenerator
	cfg     config.LLMConfig
	limiter *rate.Limiter
	logger  *zap.Logger
	// maxElapsed bounds the retry loop for transient API failures.
	maxElapsed time.Duration
}

// NewGeminiGenerator creates a generator backed by a genai client. Each call is bounded
// by cfg.APITimeout; a nil httpClient uses a default client.
func NewGeminiGenerator(ctx context.Context, cfg config.LLMConfig, httpClient *http.Client, logger *zap.Logger) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGeminiGenerator(client.Models, cfg, logger), nil
}

func newGeminiGenerator(models contentGenerator, cfg config.LLMConfig, logger *zap.Logger) *GeminiGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	return &GeminiGenerator{
		models:     models,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.Named("patch.gemini"),
		maxElapsed: 2 * time.Minute,
	}
}

// Generate asks the model for a replacement fragment and validates the answer.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*Patch, error) {
	if req.FragmentXML == "" {
		return nil, fmt.Errorf("%w: empty fragment", ErrGenerationFailed)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(g.cfg.Temperature),
		ResponseMIMEType:  "application/json",
	}
	if g.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}
	contents := genai.Text(BuildPrompt(req))

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = g.maxElapsed
	b.MaxInterval = 30 * time.Second

	var reply string
	operation := func() error {
		callCtx := ctx
		if g.cfg.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.APITimeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := g.models.GenerateContent(callCtx, g.cfg.Model, contents, genCfg)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			g.logger.Warn("Gemini request failed, retrying...", zap.Error(err))
			return err
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(errors.New("gemini returned no candidates"))
		}
		if fr := resp.Candidates[0].FinishReason; fr == genai.FinishReasonSafety || fr == genai.FinishReasonBlocklist {
			return backoff.Permanent(fmt.Errorf("gemini blocked the request (reason: %s)", fr))
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.String("model", g.cfg.Model)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		g.logger.Info("Patch generation complete.", fields...)
		reply = resp.Text()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return ParseReply(reply, req.FragmentXML)
}
