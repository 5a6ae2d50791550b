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

// All returns the invariant checks. expectedTotal is the sum of all account
// balances seeded before the run; transfers only move money between accounts,
// so the sum must hold for the whole run.
func All(expectedTotal int64) []Oracle {
	return []Oracle{
		{
			Name: "O1_final_implies_completed",
			SQL:  `SELECT id FROM jobs WHERE final_paid AND NOT completed`,
		},
		{
			Name: "O2_tranche_bounds",
			SQL: `SELECT id FROM jobs
                  WHERE total_payment < 0 OR initial_payment < 0
                     OR initial_payment > total_payment`,
		},
		{
			Name: "O3_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT job_id, seq,
                             LAG(seq) OVER (PARTITION BY job_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_non_negative_balances",
			SQL:  `SELECT id, balance FROM accounts WHERE balance < 0`,
		},
		{
			Name: "O5_money_conserved",
			SQL: fmt.Sprintf(`SELECT SUM(balance) FROM accounts
                  HAVING SUM(balance) <> %d`, expectedTotal),
		},
		{
			Name: "O6_flags_mirrored_in_timeline",
			SQL: `SELECT j.id FROM jobs j
                  WHERE NOT EXISTS (SELECT 1 FROM timeline_events e
                                    WHERE e.job_id = j.id AND e.type = 'JOB_CREATED' AND e.seq = 1)
                     OR (j.completed AND NOT EXISTS (SELECT 1 FROM timeline_events e
                                    WHERE e.job_id = j.id AND e.type = 'JOB_COMPLETED'))
                     OR (j.final_paid AND NOT EXISTS (SELECT 1 FROM timeline_events e
                                    WHERE e.job_id = j.id AND e.type = 'FINAL_PAYMENT_RELEASED'))`,
		},
		{
			Name: "O7_once_only_transitions",
			SQL: `SELECT job_id FROM timeline_events
                  GROUP BY job_id
                  HAVING COUNT(*) FILTER (WHERE type = 'JOB_COMPLETED') > 1
                      OR COUNT(*) FILTER (WHERE type = 'FINAL_PAYMENT_RELEASED') > 1
                      OR COUNT(*) FILTER (WHERE type = 'INITIAL_PAYMENT_RELEASED')
                         > COUNT(*) FILTER (WHERE type = 'REFUND_ISSUED') + 1`,
		},
		{
			Name: "O8_outbox_freshness",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now()-created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, expectedTotal int64) (string, string, error) {
	for _, o := range All(expectedTotal) {
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
