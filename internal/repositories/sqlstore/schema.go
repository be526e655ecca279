package sqlstore

// schema bootstraps the ledger tables. Types are chosen to be valid in both SQLite and Postgres;
// timestamps are unix nanoseconds and amounts are decimal strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id           TEXT PRIMARY KEY,
		customer_id  TEXT NOT NULL,
		currency     TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status       TEXT NOT NULL,
		confirmed_by TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL,
		expired_at   BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_sweep_idx ON transactions (status, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS payments (
		transaction_id TEXT PRIMARY KEY,
		status         TEXT NOT NULL,
		provider       TEXT NOT NULL DEFAULT '',
		provider_ref   TEXT NOT NULL DEFAULT '',
		amount         TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		paid_at        BIGINT,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS line_items (
		id              TEXT PRIMARY KEY,
		transaction_id  TEXT NOT NULL,
		kind            TEXT NOT NULL,
		catalog_item_id TEXT NOT NULL,
		status          TEXT NOT NULL,
		quantity        INTEGER NOT NULL,
		duration        TEXT NOT NULL DEFAULT '',
		unit_price      TEXT NOT NULL,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS line_items_transaction_idx ON line_items (transaction_id, id)`,
	`CREATE TABLE IF NOT EXISTS fulfillments (
		transaction_id  TEXT NOT NULL,
		catalog_item_id TEXT NOT NULL,
		line_item_id    TEXT NOT NULL,
		customer_id     TEXT NOT NULL,
		kind            TEXT NOT NULL,
		status          TEXT NOT NULL,
		attempt_id      TEXT NOT NULL DEFAULT '',
		lease_until     BIGINT,
		completed_at    BIGINT,
		completed_by    TEXT NOT NULL DEFAULT '',
		failure_reason  TEXT NOT NULL DEFAULT '',
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS fulfillments_key_idx ON fulfillments (transaction_id, catalog_item_id)`,
	`CREATE INDEX IF NOT EXISTS fulfillments_package_idx ON fulfillments (customer_id, catalog_item_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		customer_id         TEXT NOT NULL,
		package_id          TEXT NOT NULL,
		expired_at          BIGINT NOT NULL,
		last_transaction_id TEXT NOT NULL DEFAULT '',
		activated_at        BIGINT NOT NULL,
		created_at          BIGINT NOT NULL,
		updated_at          BIGINT NOT NULL,
		PRIMARY KEY (customer_id, package_id)
	)`,
}
