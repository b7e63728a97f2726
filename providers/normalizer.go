package providers

// Normalize maps a validated raw response onto the unified schema.
//
// The raw value must carry a model; content may be empty but is always a
// string in the result. Usage is selected by provider identity: the
// anthropic family reports input/output token fields, every other vendor
// reports prompt/completion fields. A vendor-reported total is trusted
// verbatim; prompt+completion is the fallback only when no total was given.
// Absent usage yields nil, never zeros, so callers can tell "no usage
// reported" from "usage was exactly zero".
func Normalize(provider Identity, raw *RawResponse, sessionID, userID string) (*UnifiedResponse, error) {
	if raw == nil || raw.Model == "" {
		return nil, NewError(provider, CodeInvalidResponse, "invalid response format from provider", 0, false, nil)
	}

	return &UnifiedResponse{
		Content:   raw.Content,
		Usage:     normalizeUsage(provider, raw.Usage),
		Model:     raw.Model,
		Provider:  provider,
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  raw.Metadata,
	}, nil
}

func normalizeUsage(provider Identity, raw *RawUsage) *TokenUsage {
	if raw == nil {
		return nil
	}

	var prompt, completion *int
	if provider == Anthropic {
		prompt, completion = raw.InputTokens, raw.OutputTokens
	} else {
		prompt, completion = raw.PromptTokens, raw.CompletionTokens
	}

	if prompt == nil && completion == nil && raw.TotalTokens == nil {
		return nil
	}

	usage := &TokenUsage{}
	if prompt != nil {
		usage.PromptTokens = *prompt
	}
	if completion != nil {
		usage.CompletionTokens = *completion
	}
	if raw.TotalTokens != nil {
		usage.TotalTokens = *raw.TotalTokens
	} else {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}
