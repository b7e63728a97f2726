package injection

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignatureType classifies a known prompt-injection technique.
type SignatureType string

const (
	SignatureSystemPromptLeak    SignatureType = "system_prompt_leak"
	SignatureRoleManipulation    SignatureType = "role_manipulation"
	SignatureInstructionOverride SignatureType = "instruction_override"
	SignatureJailbreak           SignatureType = "jailbreak"
	SignatureDelimiterAttack     SignatureType = "delimiter_attack"
)

// RiskLevel grades a verdict for audit records.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Detection is one signature hit inside the scanned text.
type Detection struct {
	Type       SignatureType
	Confidence float64
	StartPos   int
	EndPos     int
}

// Verdict is the result of screening one user message.
type Verdict struct {
	Allowed        bool
	RiskLevel      RiskLevel
	Reason         string
	SanitizedInput string
}

// AuditEntry records a blocked or sanitized input for review.
type AuditEntry struct {
	ID         uuid.UUID
	UserID     string
	RawContent string
	RiskLevel  RiskLevel
	Reason     string
	CreatedAt  time.Time
}

// AuditSink receives audit entries. Delivery is best-effort.
type AuditSink interface {
	RecordInjectionAttempt(ctx context.Context, entry AuditEntry)
}

type signatureGroup struct {
	sigType    SignatureType
	confidence float64
	patterns   []*regexp.Regexp
}

var signatureGroups = []signatureGroup{
	{
		sigType:    SignatureSystemPromptLeak,
		confidence: 0.9,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(previous|all|above|prior)\s+(instructions?|prompts?|commands?)`),
			regexp.MustCompile(`(?i)(show|reveal|print|repeat)\s+(me\s+)?(your|the)\s+(system|original|initial|hidden|secret)\s+(prompt|instructions?)`),
			regexp.MustCompile(`(?i)what\s+(is|are|was|were)\s+(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`),
		},
	},
	{
		sigType:    SignatureRoleManipulation,
		confidence: 0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)assume\s+(the\s+)?(role|identity)\s+of`),
			regexp.MustCompile(`(?i)pretend\s+(to\s+)?be\s+(a|an)`),
			regexp.MustCompile(`(?i)from\s+now\s+on[,]?\s+(you|your)\s+(are|will)`),
			regexp.MustCompile(`(?i)new\s+(instructions?|role|personality)`),
		},
	},
	{
		sigType:    SignatureInstructionOverride,
		confidence: 0.9,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)disregard\s+(all|previous|above|any)\s+(instructions?|rules|commands?)`),
			regexp.MustCompile(`(?i)override\s+(all|previous|system)\s+(instructions?|rules|settings?)`),
			regexp.MustCompile(`(?i)forget\s+(everything|all\s+previous|what\s+you\s+learned)`),
		},
	},
	{
		sigType:    SignatureJailbreak,
		confidence: 0.95,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)DAN\s+mode`),
			regexp.MustCompile(`(?i)developer\s+mode`),
			regexp.MustCompile(`(?i)jailbreak`),
			regexp.MustCompile(`(?i)without\s+(any|ethical|moral)\s+(restrictions?|limitations?|guidelines?)`),
		},
	},
	{
		sigType:    SignatureDelimiterAttack,
		confidence: 0.8,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(\[SYSTEM\]|\[\/SYSTEM\]|\[ASSISTANT\]|\[\/ASSISTANT\])`),
			regexp.MustCompile(`(<\|system\|>|<\|user\|>|<\|assistant\|>|<\|end\|>)`),
			regexp.MustCompile(`###\s*(SYSTEM|ASSISTANT|INSTRUCTION)`),
		},
	},
}

// Detector screens user input against known injection signatures.
type Detector struct {
	blockThreshold    float64
	sanitizeThreshold float64
	audit             AuditSink
	logger            *zap.Logger
}

// NewDetector creates a detector with the standard thresholds: hits at or
// above 0.9 block the request, hits at or above 0.8 trigger a sanitized
// rewrite instead.
func NewDetector(audit AuditSink, logger *zap.Logger) *Detector {
	return &Detector{
		blockThreshold:    0.9,
		sanitizeThreshold: 0.8,
		audit:             audit,
		logger:            logger,
	}
}

// Detect returns every signature hit in the text.
func (d *Detector) Detect(text string) []Detection {
	var detections []Detection
	for _, group := range signatureGroups {
		for _, pattern := range group.patterns {
			for _, match := range pattern.FindAllStringIndex(text, -1) {
				detections = append(detections, Detection{
					Type:       group.sigType,
					Confidence: group.confidence,
					StartPos:   match[0],
					EndPos:     match[1],
				})
			}
		}
	}
	return detections
}

// CheckUserInput screens one user message. High-confidence hits block the
// request and record an audit entry; medium-confidence hits propose a
// sanitized rewrite and the request proceeds with the rewritten content.
func (d *Detector) CheckUserInput(ctx context.Context, userID, text string) Verdict {
	detections := d.Detect(text)
	if len(detections) == 0 {
		return Verdict{Allowed: true, RiskLevel: RiskLow}
	}

	peak := 0.0
	peakType := SignatureType("")
	for _, det := range detections {
		if det.Confidence > peak {
			peak = det.Confidence
			peakType = det.Type
		}
	}

	if peak >= d.blockThreshold {
		verdict := Verdict{
			Allowed:   false,
			RiskLevel: RiskHigh,
			Reason:    "injection signature matched: " + string(peakType),
		}
		d.recordAudit(ctx, userID, text, verdict)
		return verdict
	}

	if peak >= d.sanitizeThreshold {
		verdict := Verdict{
			Allowed:        true,
			RiskLevel:      RiskMedium,
			Reason:         "suspicious content sanitized: " + string(peakType),
			SanitizedInput: sanitize(text, detections),
		}
		d.recordAudit(ctx, userID, text, verdict)
		return verdict
	}

	return Verdict{Allowed: true, RiskLevel: RiskLow}
}

func (d *Detector) recordAudit(ctx context.Context, userID, raw string, verdict Verdict) {
	if d.audit == nil {
		return
	}
	d.audit.RecordInjectionAttempt(ctx, AuditEntry{
		ID:         uuid.New(),
		UserID:     userID,
		RawContent: raw,
		RiskLevel:  verdict.RiskLevel,
		Reason:     verdict.Reason,
		CreatedAt:  time.Now(),
	})
}

// sanitize removes matched spans, replacing each with a placeholder.
// Spans are processed back to front to avoid index shifts.
func sanitize(text string, detections []Detection) string {
	for i := 0; i < len(detections); i++ {
		for j := i + 1; j < len(detections); j++ {
			if detections[i].StartPos < detections[j].StartPos {
				detections[i], detections[j] = detections[j], detections[i]
			}
		}
	}

	result := text
	for _, det := range detections {
		if det.EndPos > len(result) {
			continue
		}
		result = result[:det.StartPos] + "[removed]" + result[det.EndPos:]
	}
	return strings.TrimSpace(result)
}

// LogAuditSink writes audit entries to the structured log.
type LogAuditSink struct {
	logger *zap.Logger
}

// NewLogAuditSink creates a log-backed audit sink.
func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// RecordInjectionAttempt logs the entry.
func (s *LogAuditSink) RecordInjectionAttempt(ctx context.Context, entry AuditEntry) {
	s.logger.Warn("injection attempt recorded",
		zap.String("audit_id", entry.ID.String()),
		zap.String("user_id", entry.UserID),
		zap.String("risk_level", string(entry.RiskLevel)),
		zap.String("reason", entry.Reason))
}
