package client

import "encoding/json"

// responseUsage matches the usage block both major response shapes carry:
// Anthropic reports input_tokens/output_tokens, OpenAI-compatible providers
// report prompt_tokens/completion_tokens.
type responseUsage struct {
	Usage struct {
		InputTokens      int `json:"input_tokens"`
		OutputTokens     int `json:"output_tokens"`
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// usageFromBody extracts (in, out) token counts from a response body.
// Bodies without a usage block yield zeros; usage reporting is best-effort
// and never an error.
func usageFromBody(body []byte) (in, out int) {
	if len(body) == 0 {
		return 0, 0
	}
	var u responseUsage
	if err := json.Unmarshal(body, &u); err != nil {
		return 0, 0
	}
	in = u.Usage.InputTokens
	if in == 0 {
		in = u.Usage.PromptTokens
	}
	out = u.Usage.OutputTokens
	if out == 0 {
		out = u.Usage.CompletionTokens
	}
	return in, out
}

// looksLikeAuthBody reports whether an error body reads like an
// authentication failure. Some providers disguise auth errors as HTTP 400;
// for those flagged in config this check decides whether to attempt a
// credential refresh.
func looksLikeAuthBody(body []byte) bool {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	switch payload.Error.Type {
	case "authentication_error", "invalid_api_key", "permission_error":
		return true
	}
	switch payload.Error.Code {
	case "invalid_api_key", "token_expired":
		return true
	}
	return false
}
