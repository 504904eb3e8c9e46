package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertSubscription keeps one subscription row per broker, keyed by the
// Stripe subscription id.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, broker_id, stripe_subscription_id, stripe_customer_id, plan_id, status, current_period_end, cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (broker_id) DO UPDATE SET
			stripe_subscription_id=EXCLUDED.stripe_subscription_id,
			stripe_customer_id=EXCLUDED.stripe_customer_id,
			plan_id=CASE WHEN EXCLUDED.plan_id = '' THEN subscriptions.plan_id ELSE EXCLUDED.plan_id END,
			status=EXCLUDED.status,
			current_period_end=EXCLUDED.current_period_end,
			cancel_at_period_end=EXCLUDED.cancel_at_period_end,
			updated_at=NOW()
	`, sub.ID, sub.BrokerID, sub.StripeSubscriptionID, sub.StripeCustomerID, sub.PlanID, sub.Status, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd)
	return mapWriteError("upsert subscription", err)
}

func (s *PostgresStore) GetSubscriptionByBroker(ctx context.Context, brokerID string) (Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
		SELECT id, broker_id, stripe_subscription_id, stripe_customer_id, plan_id, status, current_period_end, cancel_at_period_end, updated_at
		FROM subscriptions WHERE broker_id=$1
	`, brokerID).Scan(
		&sub.ID,
		&sub.BrokerID,
		&sub.StripeSubscriptionID,
		&sub.StripeCustomerID,
		&sub.PlanID,
		&sub.Status,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.UpdatedAt,
	)
	return sub, err
}

// CreditTokens adds tokens to a broker's balance. A non-empty reference makes
// the credit idempotent; the bool reports whether the balance changed.
func (s *PostgresStore) CreditTokens(ctx context.Context, brokerID string, amount int64, reason, reference string) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO token_ledger (broker_id, delta, reason, reference)
			VALUES ($1, $2, $3, NULLIF($4, ''))
			ON CONFLICT (reference) DO NOTHING
		`, brokerID, amount, reason, reference)
		if err != nil {
			return fmt.Errorf("insert ledger credit: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger credit rows: %w", err)
		}
		if n == 0 {
			return nil
		}
		result, err = tx.ExecContext(ctx, `
			UPDATE brokers SET token_balance = token_balance + $2, updated_at=NOW() WHERE id=$1
		`, brokerID, amount)
		if err != nil {
			return fmt.Errorf("credit tokens: %w", err)
		}
		if err := requireRow(result, "credit tokens"); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// DebitTokens removes tokens from a broker's balance. The balance never goes
// negative; a debit larger than the balance fails with ErrInsufficientTokens.
func (s *PostgresStore) DebitTokens(ctx context.Context, brokerID string, amount int64, reason, reference string) (int64, error) {
	var balance int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE brokers SET token_balance = token_balance - $2, updated_at=NOW()
			WHERE id=$1 AND token_balance >= $2
			RETURNING token_balance
		`, brokerID, amount).Scan(&balance)
		if err == sql.ErrNoRows {
			return ErrInsufficientTokens
		}
		if err != nil {
			return fmt.Errorf("debit tokens: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_ledger (broker_id, delta, reason, reference)
			VALUES ($1, $2, $3, NULLIF($4, ''))
		`, brokerID, -amount, reason, reference); err != nil {
			return mapWriteError("insert ledger debit", err)
		}
		return nil
	})
	return balance, err
}

func (s *PostgresStore) ListLedger(ctx context.Context, brokerID string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broker_id, delta, reason, reference, created_at
		FROM token_ledger WHERE broker_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, brokerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	items := make([]LedgerEntry, 0)
	for rows.Next() {
		var item LedgerEntry
		if err := rows.Scan(&item.ID, &item.BrokerID, &item.Delta, &item.Reason, &item.Reference, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return items, nil
}

// RecordStripeEvent marks a webhook event as seen. It reports false when the
// event was already recorded.
func (s *PostgresStore) RecordStripeEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO stripe_events (id, type) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("record stripe event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record stripe event rows: %w", err)
	}
	return n > 0, nil
}

// ForgetStripeEvent removes a recorded event so a failed delivery can be retried.
func (s *PostgresStore) ForgetStripeEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stripe_events WHERE id=$1`, eventID)
	if err != nil {
		return fmt.Errorf("forget stripe event: %w", err)
	}
	return nil
}
