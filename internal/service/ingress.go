package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cfotel "github.com/Strob0t/AgentPR/internal/adapter/otel"
	"github.com/Strob0t/AgentPR/internal/domain"
	"github.com/Strob0t/AgentPR/internal/domain/run"
	"github.com/Strob0t/AgentPR/internal/domain/webhook"
	"github.com/Strob0t/AgentPR/internal/logger"
)

// Delivery outcomes.
const (
	DeliveryProcessed = "processed"
	DeliveryDuplicate = "duplicate"
	DeliveryIgnored   = "ignored"
)

// IngressResult reports what a delivery did.
type IngressResult struct {
	Status  string   `json:"status"`
	Applied int      `json:"applied"`
	Ignored []string `json:"ignored,omitempty"`
}

// ErrRetryable marks a delivery whose processing failed after its
// reservation was released. The sender should redeliver.
var ErrRetryable = errors.New("delivery processing failed; retry")

// IngressService turns webhook deliveries into ledger events exactly once.
type IngressService struct {
	runs    *RunService
	metrics *cfotel.Metrics
	log     *slog.Logger
}

// NewIngressService creates an IngressService.
func NewIngressService(runs *RunService, log *slog.Logger) *IngressService {
	if log == nil {
		log = slog.Default()
	}
	return &IngressService{runs: runs, log: log}
}

// SetMetrics sets the metric instruments.
func (s *IngressService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// Handle reserves the delivery, applies its facts and confirms it. Any
// unexpected failure releases the reservation and returns an error wrapping
// ErrRetryable.
func (s *IngressService) Handle(ctx context.Context, eventName, deliveryID string, body []byte) (res IngressResult, err error) {
	if deliveryID == "" || eventName == "" {
		return IngressResult{}, fmt.Errorf("%w: delivery id and event name are required", domain.ErrValidation)
	}
	ctx, span := cfotel.StartIngressSpan(ctx, deliveryID, eventName)
	defer func() {
		cfotel.End(span, err)
		outcome := res.Status
		if err != nil {
			outcome = "error"
		}
		s.metrics.Delivery(ctx, eventName, outcome)
	}()
	log := logger.FromContext(ctx, s.log).With("delivery_id", deliveryID, "event", eventName)
	store := s.runs.Store()

	won, err := store.ReserveDelivery(ctx, webhook.NewDelivery(webhook.SourceGitHub, deliveryID, eventName, body))
	if err != nil {
		return IngressResult{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if !won {
		log.Info("duplicate delivery")
		return IngressResult{Status: DeliveryDuplicate}, nil
	}

	res, err = s.process(ctx, log, eventName, deliveryID, body)
	if err != nil {
		if rerr := store.ReleaseDelivery(context.WithoutCancel(ctx), webhook.SourceGitHub, deliveryID); rerr != nil {
			log.Error("release delivery failed", "error", rerr)
		}
		log.Warn("delivery processing failed", "error", err)
		return IngressResult{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if err := store.ConfirmDelivery(ctx, webhook.SourceGitHub, deliveryID); err != nil {
		return IngressResult{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	log.Info("delivery processed", "status", res.Status, "applied", res.Applied, "ignored", len(res.Ignored))
	return res, nil
}

func (s *IngressService) process(ctx context.Context, log *slog.Logger, eventName, deliveryID string, body []byte) (IngressResult, error) {
	tr, err := webhook.Translate(eventName, deliveryID, body)
	if err != nil {
		// Malformed payloads will never succeed on redelivery.
		return IngressResult{Status: DeliveryIgnored, Ignored: []string{err.Error()}}, nil
	}
	if len(tr.Facts) == 0 {
		return IngressResult{Status: DeliveryIgnored, Ignored: []string{tr.Ignored}}, nil
	}

	var res IngressResult
	store := s.runs.Store()
	for _, f := range tr.Facts {
		r, err := store.FindRunByPR(ctx, tr.Owner, tr.Repo, f.PRNumber)
		if errors.Is(err, domain.ErrNotFound) {
			res.Ignored = append(res.Ignored, fmt.Sprintf("no run for %s/%s#%d", tr.Owner, tr.Repo, f.PRNumber))
			continue
		}
		if err != nil {
			return IngressResult{}, err
		}
		applied, err := s.runs.Apply(ctx, r.ID, f.Type, f.Payload, f.Key, "")
		var terr *run.TransitionError
		var serr *run.StaleStateError
		switch {
		case errors.As(err, &terr), errors.As(err, &serr):
			log.Info("delivery fact ignored", "run_id", r.ID, "event_type", f.Type, "reason", err.Error())
			res.Ignored = append(res.Ignored, err.Error())
			continue
		case err != nil:
			return IngressResult{}, err
		}
		if applied.Applied {
			res.Applied++
		}
	}
	res.Status = DeliveryProcessed
	if res.Applied == 0 {
		res.Status = DeliveryIgnored
	}
	return res, nil
}
