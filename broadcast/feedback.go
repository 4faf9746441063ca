package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// FeedbackRepository keeps the latest delivery report per (convention, consumer).
type FeedbackRepository struct {
	db DB
}

func NewFeedbackRepository(db DB) *FeedbackRepository {
	return &FeedbackRepository{db: db}
}

// Save replaces the report of fb's (convention, consumer) pair. A report
// without error feedback clears any previous error.
func (r *FeedbackRepository) Save(ctx context.Context, fb Feedback) error {
	var response, errorFeedback *string
	if fb.Response != nil {
		b, err := json.Marshal(fb.Response)
		if err != nil {
			return fmt.Errorf("broadcast: encode response: %w", err)
		}
		s := string(b)
		response = &s
	}
	if fb.SubscriberErrorFeedback != nil {
		b, err := json.Marshal(fb.SubscriberErrorFeedback)
		if err != nil {
			return fmt.Errorf("broadcast: encode error feedback: %w", err)
		}
		s := string(b)
		errorFeedback = &s
	}
	params := fb.RequestParams
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	if _, err := r.db.Exec(ctx, `
		INSERT INTO broadcast_feedbacks (
			convention_id, consumer_id, consumer_name, service_name,
			request_params, response, subscriber_error_feedback, occurred_at, handled_by_agency
		) VALUES ($1::uuid, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9)
		ON CONFLICT (convention_id, consumer_id)
		DO UPDATE SET consumer_name = EXCLUDED.consumer_name,
		              service_name = EXCLUDED.service_name,
		              request_params = EXCLUDED.request_params,
		              response = EXCLUDED.response,
		              subscriber_error_feedback = EXCLUDED.subscriber_error_feedback,
		              occurred_at = EXCLUDED.occurred_at,
		              handled_by_agency = EXCLUDED.handled_by_agency
	`, fb.ConventionID, fb.ConsumerID, fb.ConsumerName, fb.ServiceName,
		string(params), response, errorFeedback, fb.OccurredAt, fb.HandledByAgency); err != nil {
		return fmt.Errorf("broadcast: save feedback: %w", err)
	}
	return nil
}

// GetLatest returns the most recent report for conventionID across consumers.
func (r *FeedbackRepository) GetLatest(ctx context.Context, conventionID string) (Feedback, error) {
	var (
		fb            Feedback
		params        []byte
		response      []byte
		errorFeedback []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT convention_id::text, consumer_id, consumer_name, service_name,
		       request_params, response, subscriber_error_feedback, occurred_at, handled_by_agency
		FROM broadcast_feedbacks
		WHERE convention_id = $1::uuid
		ORDER BY occurred_at DESC
		LIMIT 1
	`, conventionID).Scan(&fb.ConventionID, &fb.ConsumerID, &fb.ConsumerName, &fb.ServiceName,
		&params, &response, &errorFeedback, &fb.OccurredAt, &fb.HandledByAgency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Feedback{}, ErrNotFound
		}
		return Feedback{}, fmt.Errorf("broadcast: get feedback: %w", err)
	}

	fb.RequestParams = params
	if len(response) > 0 {
		fb.Response = &PartnerResponse{}
		if err := json.Unmarshal(response, fb.Response); err != nil {
			return Feedback{}, fmt.Errorf("broadcast: decode response: %w", err)
		}
	}
	if len(errorFeedback) > 0 {
		fb.SubscriberErrorFeedback = &ErrorFeedback{}
		if err := json.Unmarshal(errorFeedback, fb.SubscriberErrorFeedback); err != nil {
			return Feedback{}, fmt.Errorf("broadcast: decode error feedback: %w", err)
		}
	}
	return fb, nil
}

// MarkHandled flags the unhandled error report of conventionID as taken care
// of by the agency. It fails with ErrNotFound when there is none.
func (r *FeedbackRepository) MarkHandled(ctx context.Context, conventionID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE broadcast_feedbacks
		SET handled_by_agency = true
		WHERE convention_id = $1::uuid
		  AND handled_by_agency = false
		  AND subscriber_error_feedback IS NOT NULL
	`, conventionID)
	if err != nil {
		return fmt.Errorf("broadcast: mark feedback handled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
