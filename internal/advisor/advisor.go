// Package advisor answers free-form questions about a user's paper trading
// account using a generative model. It only reads ledger state.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/coinwise/arena-engine/internal/model"
	"github.com/coinwise/arena-engine/internal/pricefeed"
)

var (
	// ErrDisabled is returned when no model is configured.
	ErrDisabled = errors.New("advisor: disabled")

	// ErrEmptyPrompt is returned for blank questions.
	ErrEmptyPrompt = errors.New("advisor: prompt is required")
)

// FallbackReply is returned when the model call fails.
const FallbackReply = "I'm having trouble connecting right now. Please try again later!"

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

// Generator produces a reply to prompt under a system instruction.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Advisor builds account context and delegates to a Generator.
type Advisor struct {
	gen Generator
}

// New creates an advisor. A nil generator yields a disabled advisor.
func New(gen Generator) *Advisor {
	return &Advisor{gen: gen}
}

// Enabled reports whether a generator is configured.
func (a *Advisor) Enabled() bool { return a != nil && a.gen != nil }

// Ask answers prompt with the user's ledger and current quotes as context.
// Model failures are logged and answered with FallbackReply.
func (a *Advisor) Ask(ctx context.Context, prompt string, l model.Ledger, quotes []pricefeed.Quote) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	reply, err := a.gen.Generate(ctx, SystemInstruction(l, quotes), prompt)
	if err != nil {
		slog.Error("advisor: generate failed", "account", l.AccountID, "err", err)
		return FallbackReply, nil
	}
	if strings.TrimSpace(reply) == "" {
		slog.Warn("advisor: empty reply", "account", l.AccountID)
		return FallbackReply, nil
	}
	return reply, nil
}

// SystemInstruction renders the read-only account context given to the
// model.
func SystemInstruction(l model.Ledger, quotes []pricefeed.Quote) string {
	var b strings.Builder
	b.WriteString("You are the CoinWise assistant for a paper trading platform.\n")
	b.WriteString("Help users learn about crypto trading, explain market concepts, and answer questions about their account.\n\n")

	b.WriteString("Current user data:\n")
	fmt.Fprintf(&b, "- Name: %s\n", l.DisplayName)
	fmt.Fprintf(&b, "- Account ID: %s\n", l.AccountID)
	fmt.Fprintf(&b, "- Cash balance: $%s\n", l.CashBalance.StringFixed(2))

	holdings := make([]string, 0, len(l.Holdings))
	for _, h := range l.Holdings {
		holdings = append(holdings, h.Amount.String()+" "+h.Symbol)
	}
	if len(holdings) == 0 {
		b.WriteString("- Assets: no assets yet\n")
	} else {
		fmt.Fprintf(&b, "- Assets: %s\n", strings.Join(holdings, ", "))
	}
	if l.Competition != nil {
		fmt.Fprintf(&b, "- Competition round ends at %s\n", l.Competition.EndTime.Format("15:04:05 MST"))
	}

	b.WriteString("\nCurrent market prices:\n")
	if len(quotes) == 0 {
		b.WriteString("- unavailable\n")
	}
	for _, q := range quotes {
		fmt.Fprintf(&b, "- %s: $%s (%s%% 24h)\n", q.Symbol, q.Price.String(), q.Change24h.String())
	}

	b.WriteString(`
Rules:
- Keep answers professional yet encouraging for beginners.
- If asked about their balance or holdings, use the current user data above.
- Explain technical terms (like "long/short", "volatility", "OHLC") simply.
- Do not give actual financial advice; remind them this is a simulation.
`)
	return b.String()
}

// GeminiGenerator calls the Gemini API through google.golang.org/genai.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiGenerator creates a generator authenticated with apiKey.
func NewGeminiGenerator(ctx context.Context, apiKey, modelName string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &GeminiGenerator{client: client, model: modelName, temperature: 0.7}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		Temperature:       genai.Ptr(g.temperature),
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
