package session

import (
	"context"
	"log/slog"

	"tripdesk/internal/approval"
	"tripdesk/internal/classify"
	"tripdesk/internal/display"
	"tripdesk/internal/domain"
	"tripdesk/internal/metrics"
)

// Item describes one classified event of a scan.
type Item struct {
	Index     int                   `json:"index"`
	Kind      domain.PayloadKind    `json:"kind"`
	Key       string                `json:"key,omitempty"`
	Status    domain.ApprovalStatus `json:"status,omitempty"`
	Forwarded bool                  `json:"forwarded"`
}

type Report struct {
	Items     []Item                  `json:"items"`
	Discarded int                     `json:"discarded"`
	Requested []domain.ApprovalRecord `json:"requested,omitempty"`
}

// Pending returns the budget keys of this scan that still wait for a decision.
func (r Report) Pending() []string {
	var keys []string
	seen := map[string]bool{}
	for _, it := range r.Items {
		if it.Kind != domain.KindBudget || it.Status != domain.ApprovalPending || seen[it.Key] {
			continue
		}
		seen[it.Key] = true
		keys = append(keys, it.Key)
	}
	return keys
}

// Scan re-classifies the whole history in order and pushes every payload to sink.
// Budgets are pushed only once their key is approved; a budget seen for the first time
// gets a pending approval record. Rescanning an unchanged history pushes the same values
// again and creates nothing.
func Scan(ctx context.Context, history []domain.MessageEvent, c *classify.Classifier, g *approval.Gate, sink display.Sink, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	report := Report{Items: []Item{}}
	for i, evt := range history {
		p, reason := c.ClassifyEvent(evt)
		if reason == classify.ReasonIgnored {
			continue
		}
		if reason != "" {
			metrics.PayloadsDiscarded.WithLabelValues(string(reason)).Inc()
			report.Discarded++
			continue
		}
		metrics.PayloadsClassified.WithLabelValues(string(p.Kind)).Inc()
		item := Item{Index: i, Kind: p.Kind}
		if p.Kind == domain.KindBudget {
			rec, created, err := g.Ensure(ctx, *p.Budget)
			if err != nil {
				return report, err
			}
			if created {
				logger.Info("budget awaiting approval", slog.String("key", rec.Key), slog.Float64("total_budget", rec.TotalBudget))
				report.Requested = append(report.Requested, rec)
			}
			item.Key = rec.Key
			item.Status = rec.Status()
			forwarded, err := g.OnClassifiedBudget(ctx, p.Budget, sink.OnBudgetUpdate)
			if err != nil {
				return report, err
			}
			item.Forwarded = forwarded
		} else {
			item.Forwarded = display.Forward(sink, p)
		}
		if item.Forwarded {
			metrics.DisplayForwarded.WithLabelValues(string(p.Kind)).Inc()
		}
		report.Items = append(report.Items, item)
	}
	return report, nil
}
