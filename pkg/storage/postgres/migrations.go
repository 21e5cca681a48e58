package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/renewal/pkg/observability"
)

// Migration is one forward schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the billing schema in apply order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					order_id VARCHAR(255) UNIQUE,
					customer_id VARCHAR(255) NOT NULL,
					product_id VARCHAR(255) NOT NULL,
					external_id VARCHAR(255) UNIQUE,
					external_customer_id VARCHAR(255),
					status VARCHAR(32) NOT NULL,
					billing_period VARCHAR(16) NOT NULL,
					billing_interval INT NOT NULL DEFAULT 1,
					start_date TIMESTAMPTZ NOT NULL,
					next_payment_date TIMESTAMPTZ,
					last_payment_date TIMESTAMPTZ,
					end_date TIMESTAMPTZ,
					trial_end_date TIMESTAMPTZ,
					subscription_amount NUMERIC(12, 2) NOT NULL,
					fee_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
					total_amount NUMERIC(12, 2) NOT NULL,
					currency VARCHAR(3) NOT NULL,
					payment_method_id VARCHAR(255),
					delivery_address TEXT,
					notes TEXT,
					meta JSONB NOT NULL DEFAULT '{}',
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (billing_interval >= 1),
					CHECK (total_amount = subscription_amount + fee_amount)
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(customer_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(next_payment_date)
					WHERE status IN ('active', 'trialing', 'past_due');
			`,
		},
		{
			Version:     2,
			Description: "Create subscription_history table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_history (
					id BIGSERIAL PRIMARY KEY,
					subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					action VARCHAR(64) NOT NULL,
					status_from VARCHAR(32),
					status_to VARCHAR(32),
					note TEXT,
					actor VARCHAR(255),
					event_id VARCHAR(255),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscription_history_subscription ON subscription_history(subscription_id, id);
			`,
		},
		{
			Version:     3,
			Description: "Create processed_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS processed_events (
					event_id VARCHAR(255) PRIMARY KEY,
					processed_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at ON processed_events(processed_at);
			`,
		},
		{
			Version:     4,
			Description: "Create products and orders tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS products (
					id VARCHAR(255) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					billing_period VARCHAR(16) NOT NULL,
					billing_interval INT NOT NULL DEFAULT 1,
					trial_days INT NOT NULL DEFAULT 0,
					pass_fee BOOLEAN,
					price NUMERIC(12, 2) NOT NULL,
					currency VARCHAR(3) NOT NULL
				);

				CREATE TABLE IF NOT EXISTS orders (
					id VARCHAR(255) PRIMARY KEY,
					customer_id VARCHAR(255) NOT NULL,
					product_id VARCHAR(255) REFERENCES products(id),
					is_subscription BOOLEAN NOT NULL DEFAULT FALSE,
					processed_at TIMESTAMPTZ
				);
			`,
		},
		{
			Version:     5,
			Description: "Index webhook event ids in history",
			SQL: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscription_history_event
					ON subscription_history(event_id) WHERE event_id IS NOT NULL;
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in schema_migrations.
// Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		log := logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		})
		log.Info("applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
