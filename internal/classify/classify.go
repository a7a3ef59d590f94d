// Package classify turns agent result events into typed travel payloads.
package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"tripdesk/internal/domain"
)

// Reason explains why an event produced no payload. The empty Reason means classified.
type Reason string

const (
	ReasonIgnored      Reason = "ignored"
	ReasonMalformed    Reason = "malformed"
	ReasonUnrecognized Reason = "unrecognized"
)

// Options controls which events are inspected and how results are normalized.
type Options struct {
	// Capability is the tool name whose results are classified.
	Capability string
	// Prefixes are marker strings stripped from text results before parsing.
	Prefixes []string
	// AllowZeroBudget accepts totalBudget == 0 as a budget.
	AllowZeroBudget bool
}

// DefaultOptions matches the orchestrator's A2A relay tool.
func DefaultOptions() Options {
	return Options{
		Capability: domain.A2ACapability,
		Prefixes:   []string{domain.A2AResponsePrefix},
	}
}

// Classifier is safe for concurrent use; it holds no mutable state.
type Classifier struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Classifier {
	if opts.Capability == "" {
		opts.Capability = domain.A2ACapability
	}
	if opts.Prefixes == nil {
		opts.Prefixes = []string{domain.A2AResponsePrefix}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{opts: opts, logger: logger}
}

func (c *Classifier) Options() Options {
	return c.opts
}

// Relevant reports whether evt is an agent result this classifier inspects.
func (c *Classifier) Relevant(evt domain.MessageEvent) bool {
	return evt.Type == domain.ResultEventType && evt.Name == c.opts.Capability
}

// ClassifyEvent classifies one message event. Events that are not agent results are
// reported as ReasonIgnored without logging.
func (c *Classifier) ClassifyEvent(evt domain.MessageEvent) (domain.ClassifiedPayload, Reason) {
	if !c.Relevant(evt) {
		return unrecognized(), ReasonIgnored
	}
	return c.ClassifyResult(evt.Result)
}

// ClassifyResult classifies a raw result that is either a JSON string or a JSON value.
func (c *Classifier) ClassifyResult(result json.RawMessage) (domain.ClassifiedPayload, Reason) {
	data, err := c.normalize(result)
	if err != nil {
		c.logger.Debug("discarding agent result", slog.String("reason", string(ReasonMalformed)), slog.String("error", err.Error()))
		return unrecognized(), ReasonMalformed
	}
	if data == nil {
		c.logger.Debug("discarding agent result", slog.String("reason", string(ReasonUnrecognized)), slog.String("error", "payload is not an object"))
		return unrecognized(), ReasonUnrecognized
	}
	p, err := ClassifyObject(data, c.opts.AllowZeroBudget)
	if err != nil {
		c.logger.Debug("discarding agent result", slog.String("reason", string(ReasonUnrecognized)), slog.String("error", err.Error()))
		return unrecognized(), ReasonUnrecognized
	}
	return p, ""
}

// normalize returns the bytes of the JSON object carried by result. Nil bytes with a nil
// error mean the result parsed but is not an object.
func (c *Classifier) normalize(result json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty result")
	}
	data := trimmed
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, fmt.Errorf("decode result string: %w", err)
		}
		data = []byte(strings.TrimSpace(c.stripPrefix(text)))
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("result is not valid JSON")
	}
	if data[0] != '{' {
		return nil, nil
	}
	return data, nil
}

func (c *Classifier) stripPrefix(text string) string {
	for _, prefix := range c.opts.Prefixes {
		if prefix == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(text, prefix); ok {
			return rest
		}
	}
	return text
}

func unrecognized() domain.ClassifiedPayload {
	return domain.ClassifiedPayload{Kind: domain.KindUnrecognized}
}
