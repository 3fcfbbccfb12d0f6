package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"blog-notifier/pkg/blog"
	"blog-notifier/storage"

	"github.com/hashicorp/go-multierror"
)

// FeedbackKind is the class of a delivery-feedback event.
type FeedbackKind string

const (
	FeedbackBounce    FeedbackKind = "bounce"
	FeedbackComplaint FeedbackKind = "complaint"
)

// Feedback is one provider report about a recipient address.
type Feedback struct {
	At    time.Time
	Email string
	Kind  FeedbackKind
	Type  string // Provider event name, e.g. hard_bounce
}

// brevoEvent is the transactional webhook payload sent by Brevo.
type brevoEvent struct {
	Event   string `json:"event"`
	Email   string `json:"email"`
	Date    string `json:"date"`
	TSEvent int64  `json:"ts_event"`
}

var brevoKinds = map[string]FeedbackKind{
	"hard_bounce":   FeedbackBounce,
	"soft_bounce":   FeedbackBounce,
	"blocked":       FeedbackBounce,
	"invalid_email": FeedbackBounce,
	"spam":          FeedbackComplaint,
	"complaint":     FeedbackComplaint,
}

// ParseBrevoEvents decodes a Brevo webhook body holding one event or an array of them.
// Events that carry no suppression meaning (delivered, opened, ...) are dropped.
func ParseBrevoEvents(body []byte) ([]Feedback, error) {
	body = bytes.TrimSpace(body)
	var events []brevoEvent
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("%w: decode events: %w", blog.ErrValidation, err)
		}
	} else {
		var ev brevoEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("%w: decode event: %w", blog.ErrValidation, err)
		}
		events = []brevoEvent{ev}
	}

	var out []Feedback
	for _, ev := range events {
		kind, ok := brevoKinds[ev.Event]
		if !ok || ev.Email == "" {
			continue
		}
		at := time.Now().UTC()
		if ev.TSEvent > 0 {
			at = time.Unix(ev.TSEvent, 0).UTC()
		}
		out = append(out, Feedback{At: at, Email: ev.Email, Kind: kind, Type: ev.Event})
	}
	return out, nil
}

// FeedbackResult counts what happened to a batch of feedback events.
type FeedbackResult struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"` // Not our subscriber
}

// ApplyFeedback marks a subscriber BOUNCED or COMPLAINED. Only existing subscribers are
// touched; unknown addresses report false. Feedback timestamps and types are set once
// and never overwritten, so replays are harmless.
func (d *Directory) ApplyFeedback(ctx context.Context, fb Feedback) (bool, error) {
	_, err := d.update(ctx, d.HashEmail(fb.Email), func(sub *blog.Subscriber) error {
		at := fb.At.UTC()
		switch fb.Kind {
		case FeedbackBounce:
			sub.Status = blog.SubscriberBounced
			if sub.BounceAt == nil {
				sub.BounceAt = &at
				sub.BounceType = fb.Type
			}
		case FeedbackComplaint:
			sub.Status = blog.SubscriberComplained
			if sub.ComplaintAt == nil {
				sub.ComplaintAt = &at
				sub.ComplaintType = fb.Type
			}
		default:
			return fmt.Errorf("%w: unknown feedback kind %q", blog.ErrValidation, fb.Kind)
		}
		return nil
	})
	if err != nil {
		if storage.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("apply feedback: %w", err)
	}
	return true, nil
}

// IngestFeedback applies every event and aggregates per-event failures.
func (d *Directory) IngestFeedback(ctx context.Context, events []Feedback) (FeedbackResult, error) {
	var (
		res  FeedbackResult
		errs *multierror.Error
	)
	for _, fb := range events {
		applied, err := d.ApplyFeedback(ctx, fb)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s event: %w", fb.Type, err))
			continue
		}
		if applied {
			res.Applied++
			d.logger.Info("Delivery feedback applied", "kind", fb.Kind, "type", fb.Type)
		} else {
			res.Skipped++
		}
	}
	return res, errs.ErrorOrNil()
}
