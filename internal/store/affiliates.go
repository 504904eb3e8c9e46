package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const affiliateColumns = `a.id, a.broker_id, a.referral_code, a.commission_rate_bps, a.status, a.payout_email, a.created_at,
	b.display_name`

func scanAffiliate(row rowScanner) (Affiliate, error) {
	var a Affiliate
	err := row.Scan(
		&a.ID,
		&a.BrokerID,
		&a.ReferralCode,
		&a.CommissionRateBps,
		&a.Status,
		&a.PayoutEmail,
		&a.CreatedAt,
		&a.BrokerName,
	)
	return a, err
}

func (s *PostgresStore) InsertAffiliate(ctx context.Context, a Affiliate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO affiliates (id, broker_id, referral_code, commission_rate_bps, status, payout_email)
		VALUES ($1, $2, $3, $4, 'active', $5)
	`, a.ID, a.BrokerID, a.ReferralCode, a.CommissionRateBps, a.PayoutEmail)
	return mapWriteError("insert affiliate", err)
}

func (s *PostgresStore) GetAffiliate(ctx context.Context, affiliateID string) (Affiliate, error) {
	return scanAffiliate(s.db.QueryRowContext(ctx, `
		SELECT `+affiliateColumns+` FROM affiliates a JOIN brokers b ON b.id = a.broker_id WHERE a.id=$1
	`, affiliateID))
}

func (s *PostgresStore) GetAffiliateByBroker(ctx context.Context, brokerID string) (Affiliate, error) {
	return scanAffiliate(s.db.QueryRowContext(ctx, `
		SELECT `+affiliateColumns+` FROM affiliates a JOIN brokers b ON b.id = a.broker_id WHERE a.broker_id=$1
	`, brokerID))
}

// GetAffiliateByCode matches referral codes case-insensitively.
func (s *PostgresStore) GetAffiliateByCode(ctx context.Context, code string) (Affiliate, error) {
	return scanAffiliate(s.db.QueryRowContext(ctx, `
		SELECT `+affiliateColumns+` FROM affiliates a JOIN brokers b ON b.id = a.broker_id
		WHERE UPPER(a.referral_code)=UPPER($1)
	`, code))
}

func (s *PostgresStore) ListAffiliates(ctx context.Context) ([]Affiliate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+affiliateColumns+` FROM affiliates a JOIN brokers b ON b.id = a.broker_id ORDER BY a.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list affiliates: %w", err)
	}
	defer rows.Close()

	items := make([]Affiliate, 0)
	for rows.Next() {
		item, err := scanAffiliate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan affiliate: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate affiliates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateAffiliateRate(ctx context.Context, affiliateID string, bps int) error {
	result, err := s.db.ExecContext(ctx, `UPDATE affiliates SET commission_rate_bps=$2 WHERE id=$1`, affiliateID, bps)
	if err != nil {
		return fmt.Errorf("update affiliate rate: %w", err)
	}
	return requireRow(result, "update affiliate rate")
}

func (s *PostgresStore) UpdateAffiliateStatus(ctx context.Context, affiliateID, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE affiliates SET status=$2 WHERE id=$1`, affiliateID, status)
	if err != nil {
		return fmt.Errorf("update affiliate status: %w", err)
	}
	return requireRow(result, "update affiliate status")
}

const referralColumns = `id, affiliate_id, referred_email, referred_broker_id, status, clicked_at, signed_up_at,
	converted_at, churned_at, created_at`

func scanReferral(row rowScanner) (Referral, error) {
	var r Referral
	err := row.Scan(
		&r.ID,
		&r.AffiliateID,
		&r.ReferredEmail,
		&r.ReferredBrokerID,
		&r.Status,
		&r.ClickedAt,
		&r.SignedUpAt,
		&r.ConvertedAt,
		&r.ChurnedAt,
		&r.CreatedAt,
	)
	return r, err
}

func (s *PostgresStore) InsertReferral(ctx context.Context, r Referral) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referrals (id, affiliate_id, referred_email, referred_broker_id, status, clicked_at, signed_up_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, r.ID, r.AffiliateID, r.ReferredEmail, r.ReferredBrokerID, r.Status, r.ClickedAt, r.SignedUpAt)
	return mapWriteError("insert referral", err)
}

func (s *PostgresStore) GetReferralByBroker(ctx context.Context, brokerID string) (Referral, error) {
	return scanReferral(s.db.QueryRowContext(ctx, `
		SELECT `+referralColumns+` FROM referrals WHERE referred_broker_id=$1
	`, brokerID))
}

func (s *PostgresStore) ListReferrals(ctx context.Context, affiliateID string) ([]Referral, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+referralColumns+` FROM referrals WHERE affiliate_id=$1 ORDER BY created_at DESC
	`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	items := make([]Referral, 0)
	for rows.Next() {
		item, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referrals: %w", err)
	}
	return items, nil
}

var referralTimestampColumn = map[string]string{
	"signed_up": "signed_up_at",
	"converted": "converted_at",
	"churned":   "churned_at",
}

// UpdateReferralStatus moves a referral from one status to another, stamping
// the matching timestamp. It fails with ErrConflict when the row is no longer
// in the expected status.
func (s *PostgresStore) UpdateReferralStatus(ctx context.Context, referralID, from, to string, at time.Time) error {
	column, ok := referralTimestampColumn[to]
	if !ok {
		return fmt.Errorf("update referral status: unknown status %q", to)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE referrals SET status=$3, `+column+`=$4 WHERE id=$1 AND status=$2
	`, referralID, from, to, at)
	if err != nil {
		return fmt.Errorf("update referral status: %w", err)
	}
	if err := requireRow(result, "update referral status"); err != nil {
		return fmt.Errorf("update referral status: %w", ErrConflict)
	}
	return nil
}

// AttachClickedReferral turns an anonymous click into a sign-up for the given
// broker. It returns sql.ErrNoRows when the click is unknown, belongs to
// another affiliate or was already used.
func (s *PostgresStore) AttachClickedReferral(ctx context.Context, referralID, affiliateID, brokerID, email string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE referrals
		SET status='signed_up', referred_broker_id=$3, referred_email=LOWER($4), signed_up_at=$5
		WHERE id=$1 AND affiliate_id=$2 AND status='clicked' AND referred_broker_id IS NULL
	`, referralID, affiliateID, brokerID, email, at)
	if err != nil {
		return mapWriteError("attach referral", err)
	}
	return requireRow(result, "attach referral")
}

const commissionColumns = `id, affiliate_id, referral_id, stripe_invoice_id, amount_cents, currency, status,
	payout_id, available_at, created_at`

func scanCommission(row rowScanner) (Commission, error) {
	var c Commission
	err := row.Scan(
		&c.ID,
		&c.AffiliateID,
		&c.ReferralID,
		&c.StripeInvoiceID,
		&c.AmountCents,
		&c.Currency,
		&c.Status,
		&c.PayoutID,
		&c.AvailableAt,
		&c.CreatedAt,
	)
	return c, err
}

// InsertCommission records one commission per invoice. A repeated invoice is
// ignored and reported as false.
func (s *PostgresStore) InsertCommission(ctx context.Context, c Commission) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO commissions (id, affiliate_id, referral_id, stripe_invoice_id, amount_cents, currency, status, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		ON CONFLICT (stripe_invoice_id) DO NOTHING
	`, c.ID, c.AffiliateID, c.ReferralID, c.StripeInvoiceID, c.AmountCents, c.Currency, c.AvailableAt)
	if err != nil {
		return false, fmt.Errorf("insert commission: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert commission rows: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListCommissions(ctx context.Context, affiliateID string, limit int) ([]Commission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commissionColumns+` FROM commissions WHERE affiliate_id=$1 ORDER BY created_at DESC LIMIT $2
	`, affiliateID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	defer rows.Close()

	items := make([]Commission, 0)
	for rows.Next() {
		item, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commissions: %w", err)
	}
	return items, nil
}

// VoidCommissionByInvoice voids an unpaid commission. Paid commissions are
// left alone and reported as false. A commission bundled into a pending payout
// is taken out of it; a payout left with nothing to pay is deleted.
func (s *PostgresStore) VoidCommissionByInvoice(ctx context.Context, invoiceID string) (bool, error) {
	voided := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id       string
			amount   int64
			status   string
			payoutID sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, amount_cents, status, payout_id FROM commissions
			WHERE stripe_invoice_id=$1
			FOR UPDATE
		`, invoiceID).Scan(&id, &amount, &status, &payoutID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load commission: %w", err)
		}
		if status != "pending" && status != "approved" {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE commissions SET status='void', payout_id=NULL WHERE id=$1
		`, id); err != nil {
			return fmt.Errorf("void commission: %w", err)
		}
		voided = true
		if !payoutID.Valid {
			return nil
		}

		var remaining int64
		err = tx.QueryRowContext(ctx, `
			UPDATE payouts SET amount_cents = amount_cents - $2
			WHERE id=$1 AND status='pending' AND amount_cents > $2
			RETURNING amount_cents
		`, payoutID.String, amount).Scan(&remaining)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("reduce payout: %w", err)
		}
		// The voided commission was all the payout held.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM payouts WHERE id=$1 AND status='pending'
		`, payoutID.String); err != nil {
			return fmt.Errorf("delete emptied payout: %w", err)
		}
		return nil
	})
	return voided, err
}

// MatureCommissions approves pending commissions whose hold has elapsed.
func (s *PostgresStore) MatureCommissions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE commissions SET status='approved' WHERE status='pending' AND available_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("mature commissions: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) CommissionTotals(ctx context.Context, affiliateID string) ([]StatusTotal, error) {
	return s.queryTotals(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount_cents), 0)
		FROM commissions WHERE affiliate_id=$1
		GROUP BY status ORDER BY status
	`, affiliateID)
}

func (s *PostgresStore) ReferralTotals(ctx context.Context, affiliateID string) ([]StatusTotal, error) {
	return s.queryTotals(ctx, `
		SELECT status, COUNT(*), 0::BIGINT
		FROM referrals WHERE affiliate_id=$1
		GROUP BY status ORDER BY status
	`, affiliateID)
}

func (s *PostgresStore) queryTotals(ctx context.Context, query string, args ...any) ([]StatusTotal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	items := make([]StatusTotal, 0)
	for rows.Next() {
		var item StatusTotal
		if err := rows.Scan(&item.Status, &item.Count, &item.AmountCents); err != nil {
			return nil, fmt.Errorf("scan total: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate totals: %w", err)
	}
	return items, nil
}

const payoutColumns = `id, affiliate_id, amount_cents, currency, status, reference, created_at, paid_at`

func scanPayout(row rowScanner) (Payout, error) {
	var p Payout
	err := row.Scan(&p.ID, &p.AffiliateID, &p.AmountCents, &p.Currency, &p.Status, &p.Reference, &p.CreatedAt, &p.PaidAt)
	return p, err
}

// CreatePayout bundles every approved, unbundled commission of an affiliate
// into a pending payout. It returns ErrBelowMinimum when the approved balance
// is smaller than minimumCents. Only the commissions locked for the total are
// attached, so approvals landing mid-transaction wait for the next payout.
func (s *PostgresStore) CreatePayout(ctx context.Context, payoutID, affiliateID string, minimumCents int64) (Payout, error) {
	var payout Payout
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, amount_cents FROM commissions
			WHERE affiliate_id=$1 AND status='approved' AND payout_id IS NULL
			ORDER BY created_at
			FOR UPDATE
		`, affiliateID)
		if err != nil {
			return fmt.Errorf("lock approved commissions: %w", err)
		}
		var (
			ids   []string
			total int64
		)
		for rows.Next() {
			var (
				id     string
				amount int64
			)
			if err := rows.Scan(&id, &amount); err != nil {
				rows.Close()
				return fmt.Errorf("scan approved commission: %w", err)
			}
			ids = append(ids, id)
			total += amount
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate approved commissions: %w", err)
		}
		rows.Close()
		if total == 0 || total < minimumCents {
			return ErrBelowMinimum
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO payouts (id, affiliate_id, amount_cents, status)
			VALUES ($1, $2, $3, 'pending')
			RETURNING `+payoutColumns, payoutID, affiliateID, total)
		payout, err = scanPayout(row)
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}

		for _, id := range ids {
			result, err := tx.ExecContext(ctx, `
				UPDATE commissions SET payout_id=$2 WHERE id=$1 AND payout_id IS NULL
			`, id, payoutID)
			if err != nil {
				return fmt.Errorf("attach commission: %w", err)
			}
			if err := requireRow(result, "attach commission"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Payout{}, err
	}
	return payout, nil
}

func (s *PostgresStore) GetPayout(ctx context.Context, payoutID string) (Payout, error) {
	return scanPayout(s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id=$1`, payoutID))
}

// ListPayouts lists one affiliate's payouts, or every payout when affiliateID
// is empty.
func (s *PostgresStore) ListPayouts(ctx context.Context, affiliateID string) ([]Payout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE ($1 = '' OR affiliate_id::TEXT = $1)
		ORDER BY created_at DESC
	`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	items := make([]Payout, 0)
	for rows.Next() {
		item, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return items, nil
}

// MarkPayoutPaid settles a pending payout and its commissions.
func (s *PostgresStore) MarkPayoutPaid(ctx context.Context, payoutID, reference string, paidAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE payouts SET status='paid', reference=$2, paid_at=$3 WHERE id=$1 AND status='pending'
		`, payoutID, reference, paidAt)
		if err != nil {
			return fmt.Errorf("mark payout paid: %w", err)
		}
		if err := requireRow(result, "mark payout paid"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE commissions SET status='paid' WHERE payout_id=$1 AND status='approved'
		`, payoutID); err != nil {
			return fmt.Errorf("mark commissions paid: %w", err)
		}
		return nil
	})
}

// MarkPayoutFailed fails a pending payout and releases its commissions so a
// later payout can pick them up.
func (s *PostgresStore) MarkPayoutFailed(ctx context.Context, payoutID, reference string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE payouts SET status='failed', reference=$2 WHERE id=$1 AND status='pending'
		`, payoutID, reference)
		if err != nil {
			return fmt.Errorf("mark payout failed: %w", err)
		}
		if err := requireRow(result, "mark payout failed"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE commissions SET payout_id=NULL WHERE payout_id=$1 AND status='approved'
		`, payoutID); err != nil {
			return fmt.Errorf("release commissions: %w", err)
		}
		return nil
	})
}
