package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// Store is a billing.Store backed by SQL. Statements number their $n
// placeholders in order of first use, which keeps them valid on SQLite too.
type Store struct {
	db      DB
	metrics *observability.Metrics
	now     func() time.Time
}

// NewStore creates a store. Reads that precede a write go to the primary;
// listings and history go to a replica.
func NewStore(db DB, metrics *observability.Metrics) *Store {
	return &Store{
		db:      db,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const subscriptionColumns = `id, order_id, customer_id, product_id, external_id, external_customer_id,
	status, billing_period, billing_interval, start_date, next_payment_date, last_payment_date,
	end_date, trial_end_date, subscription_amount, fee_amount, total_amount, currency,
	payment_method_id, delivery_address, notes, meta, version, created_at, modified_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		sub                                                    billing.Subscription
		status, period                                         string
		orderID, externalID, externalCustomerID, paymentMethod sql.NullString
		deliveryAddress, notes                                 sql.NullString
		next, last, end, trialEnd                              sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &orderID, &sub.CustomerID, &sub.ProductID, &externalID, &externalCustomerID,
		&status, &period, &sub.BillingInterval, &sub.StartDate, &next, &last,
		&end, &trialEnd, &sub.SubscriptionAmount, &sub.FeeAmount, &sub.TotalAmount, &sub.Currency,
		&paymentMethod, &deliveryAddress, &notes, &sub.Meta, &sub.Version, &sub.CreatedAt, &sub.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = billing.Status(status)
	sub.BillingPeriod = billing.Period(period)
	sub.OrderID = orderID.String
	sub.ExternalID = externalID.String
	sub.ExternalCustomerID = externalCustomerID.String
	sub.PaymentMethodID = paymentMethod.String
	sub.DeliveryAddress = deliveryAddress.String
	sub.Notes = notes.String
	sub.StartDate = sub.StartDate.UTC()
	sub.NextPaymentDate = timeFromNull(next)
	sub.LastPaymentDate = timeFromNull(last)
	sub.EndDate = timeFromNull(end)
	sub.TrialEndDate = timeFromNull(trialEnd)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.ModifiedAt = sub.ModifiedAt.UTC()
	if sub.Meta == nil {
		sub.Meta = billing.Meta{}
	}
	return &sub, nil
}

// Create inserts sub and its initial history in one transaction
func (s *Store) Create(ctx context.Context, sub *billing.Subscription, entries ...billing.HistoryEntry) (id int64, err error) {
	const op = "postgres.Create"
	defer observe(s.metrics, "create", time.Now(), &err)

	if err := sub.Validate(); err != nil {
		return 0, err
	}
	now := s.now()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err = inTx(ctx, s.db.Primary(), func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO subscriptions (
				order_id, customer_id, product_id, external_id, external_customer_id,
				status, billing_period, billing_interval, start_date, next_payment_date,
				last_payment_date, end_date, trial_end_date, subscription_amount, fee_amount,
				total_amount, currency, payment_method_id, delivery_address, notes,
				meta, version, created_at, modified_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
				$16, $17, $18, $19, $20, $21, $22, $23, $24)
			RETURNING id`,
			nullString(sub.OrderID), sub.CustomerID, sub.ProductID, nullString(sub.ExternalID), nullString(sub.ExternalCustomerID),
			string(sub.Status), string(sub.BillingPeriod), sub.BillingInterval, sub.StartDate.UTC(), nullTime(sub.NextPaymentDate),
			nullTime(sub.LastPaymentDate), nullTime(sub.EndDate), nullTime(sub.TrialEndDate), sub.SubscriptionAmount, sub.FeeAmount,
			sub.TotalAmount, sub.Currency, nullString(sub.PaymentMethodID), nullString(sub.DeliveryAddress), nullString(sub.Notes),
			sub.Meta, 1, createdAt.UTC(), now,
		)
		if err := row.Scan(&id); err != nil {
			if isUniqueViolation(err) {
				return billing.Validationf(op, "order %s already has a subscription", sub.OrderID)
			}
			return billing.Internal(op, err)
		}
		return insertHistory(ctx, tx, id, entries, now)
	})
	if err != nil {
		return 0, err
	}

	sub.ID = id
	sub.Version = 1
	sub.CreatedAt = createdAt
	sub.ModifiedAt = now
	return id, nil
}

// Get loads one subscription from the primary
func (s *Store) Get(ctx context.Context, id int64) (sub *billing.Subscription, err error) {
	defer observe(s.metrics, "get", time.Now(), &err)
	return s.queryOne(ctx, "postgres.Get", fmt.Sprintf("subscription %d not found", id),
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

// FindByExternalID looks a subscription up by provider id
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (sub *billing.Subscription, err error) {
	defer observe(s.metrics, "find_by_external_id", time.Now(), &err)
	if externalID == "" {
		return nil, billing.NotFoundf("postgres.FindByExternalID", "no subscription for empty external id")
	}
	return s.queryOne(ctx, "postgres.FindByExternalID", "no subscription for external id "+externalID,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID)
}

// FindByOrderID looks a subscription up by originating order
func (s *Store) FindByOrderID(ctx context.Context, orderID string) (sub *billing.Subscription, err error) {
	defer observe(s.metrics, "find_by_order_id", time.Now(), &err)
	if orderID == "" {
		return nil, billing.NotFoundf("postgres.FindByOrderID", "no subscription for empty order id")
	}
	return s.queryOne(ctx, "postgres.FindByOrderID", "no subscription for order "+orderID,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE order_id = $1`, orderID)
}

func (s *Store) queryOne(ctx context.Context, op, missing, query string, args ...interface{}) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.db.Primary().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFoundf(op, "%s", missing)
	}
	if err != nil {
		return nil, billing.Internal(op, err)
	}
	return sub, nil
}

// List returns matching subscriptions ordered by id
func (s *Store) List(ctx context.Context, filter billing.ListFilter) (subs []*billing.Subscription, err error) {
	defer observe(s.metrics, "list", time.Now(), &err)

	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limitOrAll(filter.Limit), max(filter.Offset, 0))
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return s.queryMany(ctx, s.db.Replica(), "postgres.List", query, args...)
}

// ListDue returns chargeable subscriptions due at or before before, oldest first
func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) (subs []*billing.Subscription, err error) {
	defer observe(s.metrics, "list_due", time.Now(), &err)
	return s.queryMany(ctx, s.db.Primary(), "postgres.ListDue", `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'trialing', 'past_due')
			AND next_payment_date IS NOT NULL
			AND next_payment_date <= $1
		ORDER BY next_payment_date, id
		LIMIT $2`,
		before.UTC(), limitOrAll(limit),
	)
}

func (s *Store) queryMany(ctx context.Context, db *sql.DB, op, query string, args ...interface{}) ([]*billing.Subscription, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, billing.Internal(op, err)
	}
	defer rows.Close()

	subs := []*billing.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, billing.Internal(op, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, billing.Internal(op, err)
	}
	return subs, nil
}

// Save writes sub when its version is current, appending entries in the same
// transaction
func (s *Store) Save(ctx context.Context, sub *billing.Subscription, entries ...billing.HistoryEntry) (err error) {
	const op = "postgres.Save"
	defer observe(s.metrics, "save", time.Now(), &err)

	if err := sub.Validate(); err != nil {
		return err
	}
	now := s.now()

	err = inTx(ctx, s.db.Primary(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				order_id = $1, customer_id = $2, product_id = $3, external_id = $4,
				external_customer_id = $5, status = $6, billing_period = $7, billing_interval = $8,
				start_date = $9, next_payment_date = $10, last_payment_date = $11, end_date = $12,
				trial_end_date = $13, subscription_amount = $14, fee_amount = $15, total_amount = $16,
				currency = $17, payment_method_id = $18, delivery_address = $19, notes = $20,
				meta = $21, modified_at = $22, version = version + 1
			WHERE id = $23 AND version = $24`,
			nullString(sub.OrderID), sub.CustomerID, sub.ProductID, nullString(sub.ExternalID),
			nullString(sub.ExternalCustomerID), string(sub.Status), string(sub.BillingPeriod), sub.BillingInterval,
			sub.StartDate.UTC(), nullTime(sub.NextPaymentDate), nullTime(sub.LastPaymentDate), nullTime(sub.EndDate),
			nullTime(sub.TrialEndDate), sub.SubscriptionAmount, sub.FeeAmount, sub.TotalAmount,
			sub.Currency, nullString(sub.PaymentMethodID), nullString(sub.DeliveryAddress), nullString(sub.Notes),
			sub.Meta, now, sub.ID, sub.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return billing.Validationf(op, "external id %s is used by another subscription", sub.ExternalID)
			}
			return billing.Internal(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return billing.Internal(op, err)
		}
		if n == 0 {
			return missingOrConflict(ctx, tx, op, sub.ID)
		}
		return insertHistory(ctx, tx, sub.ID, entries, now)
	})
	if err != nil {
		return err
	}

	sub.Version++
	sub.ModifiedAt = now
	return nil
}

// missingOrConflict explains an update that matched no row
func missingOrConflict(ctx context.Context, tx *sql.Tx, op string, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.NotFoundf(op, "subscription %d not found", id)
	}
	if err != nil {
		return billing.Internal(op, err)
	}
	return billing.ErrConflict
}

func insertHistory(ctx context.Context, tx *sql.Tx, id int64, entries []billing.HistoryEntry, now time.Time) error {
	for _, e := range entries {
		at := e.CreatedAt
		if at.IsZero() {
			at = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_history (subscription_id, action, status_from, status_to, note, actor, event_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, e.Action, nullString(string(e.StatusFrom)), nullString(string(e.StatusTo)), nullString(e.Note),
			nullStringPtr(e.Actor), nullStringPtr(e.EventID), at.UTC(),
		); err != nil {
			if e.EventID != nil && isUniqueViolation(err) {
				return billing.ErrEventApplied
			}
			return billing.Internal("postgres.insertHistory", err)
		}
	}
	return nil
}

// History returns the entries of a subscription, oldest first
func (s *Store) History(ctx context.Context, id int64) (entries []billing.HistoryEntry, err error) {
	const op = "postgres.History"
	defer observe(s.metrics, "history", time.Now(), &err)

	db := s.db.Replica()
	rows, err := db.QueryContext(ctx, `
		SELECT id, subscription_id, action, status_from, status_to, note, actor, event_id, created_at
		FROM subscription_history
		WHERE subscription_id = $1
		ORDER BY id`, id)
	if err != nil {
		return nil, billing.Internal(op, err)
	}
	defer rows.Close()

	entries = []billing.HistoryEntry{}
	for rows.Next() {
		var (
			e              billing.HistoryEntry
			from, to, note sql.NullString
			actor, eventID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.Action, &from, &to, &note, &actor, &eventID, &e.CreatedAt); err != nil {
			return nil, billing.Internal(op, err)
		}
		e.StatusFrom = billing.Status(from.String)
		e.StatusTo = billing.Status(to.String)
		e.Note = note.String
		e.Actor = stringPtrFromNull(actor)
		e.EventID = stringPtrFromNull(eventID)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, billing.Internal(op, err)
	}

	if len(entries) == 0 {
		var one int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE id = $1`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, billing.NotFoundf(op, "subscription %d not found", id)
		}
		if err != nil {
			return nil, billing.Internal(op, err)
		}
	}
	return entries, nil
}

// Delete removes a subscription and its history
func (s *Store) Delete(ctx context.Context, id int64) (err error) {
	const op = "postgres.Delete"
	defer observe(s.metrics, "delete", time.Now(), &err)

	return inTx(ctx, s.db.Primary(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_history WHERE subscription_id = $1`, id); err != nil {
			return billing.Internal(op, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
		if err != nil {
			return billing.Internal(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return billing.Internal(op, err)
		}
		if n == 0 {
			return billing.NotFoundf(op, "subscription %d not found", id)
		}
		return nil
	})
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}
