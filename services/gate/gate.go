package gate

import (
	"context"
	"fmt"

	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/services/abuse"
	"github.com/upb/chat-gateway/services/injection"
	"github.com/upb/chat-gateway/services/quota"
	"go.uber.org/zap"
)

// Limits bounds raw request size. Both checks are unconditional.
type Limits struct {
	MaxTotalChars int
	MaxMessages   int
}

// DefaultLimits returns the platform defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxTotalChars: 100_000,
		MaxMessages:   50,
	}
}

// Capabilities are the per-user flags gating the optional checks.
type Capabilities struct {
	InjectionScreening bool
	AbuseScreening     bool
}

// Request is one pipeline pass. Messages may be rewritten in place when a
// screening step sanitizes content.
type Request struct {
	Messages []providers.Message
	Provider providers.Identity
	Model    string
	UserID   string
	Caps     Capabilities
}

// Pipeline runs the ordered pre-flight checks: injection screening, abuse
// screening, size screening, quota screening. Checks short-circuit; every
// failure is tagged with the owning provider identity even though no
// provider call was made.
type Pipeline struct {
	detector *injection.Detector
	abuse    abuse.Service
	quota    quota.Service
	limits   Limits
	logger   *zap.Logger
}

// NewPipeline wires the pipeline with its collaborators.
func NewPipeline(detector *injection.Detector, abuseSvc abuse.Service, quotaSvc quota.Service, limits Limits, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		detector: detector,
		abuse:    abuseSvc,
		quota:    quotaSvc,
		limits:   limits,
		logger:   logger,
	}
}

// Run executes the checks in order. It must complete before any network
// call is made.
func (p *Pipeline) Run(ctx context.Context, req *Request) error {
	if req.Caps.InjectionScreening {
		if err := p.screenInjection(ctx, req); err != nil {
			return err
		}
	}

	if req.Caps.AbuseScreening {
		if err := p.screenAbuse(ctx, req); err != nil {
			return err
		}
	}

	if err := p.screenSize(req); err != nil {
		return err
	}

	if req.UserID != "" {
		if err := p.screenQuota(ctx, req); err != nil {
			return err
		}
	}

	return nil
}

// screenInjection scans every user-role message. A blocked verdict stops
// the request; a sanitized rewrite replaces the message content in place
// and the request proceeds.
func (p *Pipeline) screenInjection(ctx context.Context, req *Request) error {
	for i := range req.Messages {
		if req.Messages[i].Role != providers.RoleUser {
			continue
		}
		verdict := p.detector.CheckUserInput(ctx, req.UserID, req.Messages[i].Content)
		if !verdict.Allowed {
			p.logger.Warn("prompt injection blocked",
				zap.String("user_id", req.UserID),
				zap.String("risk_level", string(verdict.RiskLevel)))
			return providers.NewError(req.Provider, providers.CodePromptInjection,
				"prompt injection detected", 0, false, nil)
		}
		if verdict.SanitizedInput != "" {
			req.Messages[i].Content = verdict.SanitizedInput
		}
	}
	return nil
}

func (p *Pipeline) screenAbuse(ctx context.Context, req *Request) error {
	verdict, err := p.abuse.CheckAPIAbuse(ctx, req.UserID, req.Model, totalChars(req.Messages))
	if err != nil {
		return providers.NewError(req.Provider, providers.CodeAPIAbuse,
			"abuse check failed", 0, false, err)
	}
	if !verdict.Allowed {
		return providers.NewError(req.Provider, providers.CodeAPIAbuse,
			"API abuse detected: "+verdict.Reason, 0, false, nil)
	}
	return nil
}

func (p *Pipeline) screenSize(req *Request) error {
	if chars := totalChars(req.Messages); chars > p.limits.MaxTotalChars {
		return providers.NewError(req.Provider, providers.CodeRequestTooLarge,
			fmt.Sprintf("request size %d characters exceeds maximum of %d", chars, p.limits.MaxTotalChars),
			0, false, nil)
	}
	if count := len(req.Messages); count > p.limits.MaxMessages {
		return providers.NewError(req.Provider, providers.CodeTooManyMessages,
			fmt.Sprintf("message count %d exceeds maximum of %d", count, p.limits.MaxMessages),
			0, false, nil)
	}
	return nil
}

func (p *Pipeline) screenQuota(ctx context.Context, req *Request) error {
	estimated := p.quota.EstimateTokensForRequest(totalChars(req.Messages))
	decision, err := p.quota.CanUserMakeRequest(ctx, req.UserID, estimated)
	if err != nil {
		return providers.NewError(req.Provider, providers.CodeInsufficientTokens,
			"quota check failed", 0, false, err)
	}
	if !decision.Allowed {
		return providers.NewError(req.Provider, providers.CodeInsufficientTokens,
			"insufficient tokens: "+decision.Reason, 0, false, nil)
	}
	return nil
}

func totalChars(messages []providers.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)
	}
	return total
}
