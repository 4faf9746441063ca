package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_review_requires_all_signatures",
			SQL: `SELECT c.id FROM conventions c
                  WHERE c.status IN ('IN_REVIEW','ACCEPTED_BY_COUNSELLOR','ACCEPTED_BY_VALIDATOR','VALIDATED')
                    AND EXISTS (SELECT 1 FROM jsonb_array_elements(c.signatories) s
                                WHERE s->>'signedAt' IS NULL)`,
		},
		{
			Name: "O2_status_columns_consistent",
			SQL: `SELECT id, status FROM conventions
                  WHERE (status IN ('REJECTED','CANCELLED','DEPRECATED')) <> (status_justification IS NOT NULL)
                     OR (status IN ('ACCEPTED_BY_VALIDATOR','VALIDATED')) <> (date_validation IS NOT NULL)`,
		},
		{
			Name: "O3_last_status_event_matches_row",
			SQL: `WITH last AS (
                      SELECT DISTINCT ON (payload->>'conventionId')
                             payload->>'conventionId' AS id, payload->>'newStatus' AS status
                      FROM outbox_events
                      WHERE topic = 'convention.status_changed'
                      ORDER BY payload->>'conventionId', seq DESC)
                  SELECT c.id, c.status, l.status FROM conventions c
                  JOIN last l ON l.id = c.id::text
                  WHERE l.status <> c.status`,
		},
		{
			Name: "O4_accepted_without_ready_event",
			SQL: `SELECT c.id FROM conventions c
                  WHERE c.status IN ('ACCEPTED_BY_VALIDATOR','VALIDATED')
                    AND NOT EXISTS (SELECT 1 FROM outbox_events e
                                    WHERE e.topic = 'convention.ready_for_broadcast'
                                      AND e.payload->>'conventionId' = c.id::text)`,
		},
		{
			Name: "O5_ledger_fields",
			SQL: `SELECT convention_id, status FROM broadcast_sync_ledger
                  WHERE (status = 'TO_PROCESS') <> (process_date IS NULL)
                     OR (status = 'TO_PROCESS') <> (reason IS NULL)`,
		},
		{
			Name: "O6_ledger_without_ready_event",
			SQL: `SELECT l.convention_id FROM broadcast_sync_ledger l
                  WHERE NOT EXISTS (SELECT 1 FROM outbox_events e
                                    WHERE e.topic = 'convention.ready_for_broadcast'
                                      AND e.payload->>'conventionId' = l.convention_id::text)`,
		},
		{
			Name: "O7_handled_feedback_without_error",
			SQL: `SELECT convention_id, consumer_id FROM broadcast_feedbacks
                  WHERE handled_by_agency AND subscriber_error_feedback IS NULL`,
		},
		{
			Name: "O8_delete_guards",
			SQL: `SELECT g.name AS detail
                  FROM (VALUES ('conventions_no_delete'), ('outbox_events_immutable')) AS g(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = g.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
