// Package tokenest estimates request token counts so callers can hand the
// router text instead of a number. It uses tiktoken encodings when they can
// be loaded and falls back to a bytes-per-token heuristic when they cannot.
package tokenest

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// heuristicBytesPerToken approximates English prose; estimates feed
// admission checks, so a slight overcount is the safe direction.
const heuristicBytesPerToken = 4

// Message is one chat message for estimation purposes.
type Message struct {
	Role    string
	Content string
	Name    string
}

// Estimator counts tokens using tiktoken encodings, cached after first
// load. Safe for concurrent use.
type Estimator struct {
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200kEnc  *tiktoken.Tiktoken
	o200kErr  error
}

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"claude-opus-4":     "cl100k_base",
	"claude-sonnet-4":   "cl100k_base",
	"claude-sonnet-4-5": "cl100k_base",
	"claude-haiku-4-5":  "cl100k_base",

	"gpt-4":       "cl100k_base",
	"gpt-4-turbo": "cl100k_base",
	"gpt-4o":      "cl100k_base",

	"gpt-4o-mini": "o200k_base",
	"gpt-5":       "o200k_base",
}

// New creates an Estimator.
func New() *Estimator {
	return &Estimator{}
}

// EncodingFor returns the encoding name for the given model. Unknown
// models default to cl100k_base.
func (e *Estimator) EncodingFor(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	lower := strings.ToLower(model)
	for m, enc := range modelEncodings {
		if strings.HasPrefix(lower, m) {
			return enc
		}
	}
	return "cl100k_base"
}

func (e *Estimator) encoder(model string) (*tiktoken.Tiktoken, error) {
	switch e.EncodingFor(model) {
	case "o200k_base":
		e.o200kOnce.Do(func() {
			e.o200kEnc, e.o200kErr = tiktoken.GetEncoding("o200k_base")
		})
		return e.o200kEnc, e.o200kErr
	default:
		e.cl100kOnce.Do(func() {
			e.cl100kEnc, e.cl100kErr = tiktoken.GetEncoding("cl100k_base")
		})
		return e.cl100kEnc, e.cl100kErr
	}
}

// EstimateText estimates the token count of text for the given model,
// falling back to the byte heuristic when the encoding cannot be loaded.
func (e *Estimator) EstimateText(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := e.encoder(model)
	if err != nil {
		return heuristicTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateMessages estimates the total token count of a chat request.
// Each message carries a 4-token framing overhead and the reply is primed
// with 3 more.
func (e *Estimator) EstimateMessages(model string, messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += 4
		total += e.EstimateText(model, msg.Role)
		total += e.EstimateText(model, msg.Content)
		if msg.Name != "" {
			total += e.EstimateText(model, msg.Name)
		}
	}
	return total + 3
}

func heuristicTokens(text string) int {
	return len(text)/heuristicBytesPerToken + 1
}
