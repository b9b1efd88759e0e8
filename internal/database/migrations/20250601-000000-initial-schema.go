package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250601-000000",
		Description: "initial schema: users, plans, subscriptions, jobs",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS plans (
				id            TEXT PRIMARY KEY,
				name          TEXT NOT NULL,
				monthly_quota BIGINT
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				id            TEXT PRIMARY KEY,
				email         TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				roles         TEXT NOT NULL DEFAULT 'user',
				plan_id       TEXT NOT NULL REFERENCES plans(id),
				created_at    TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS subscriptions (
				user_id      TEXT PRIMARY KEY REFERENCES users(id),
				plan_id      TEXT NOT NULL REFERENCES plans(id),
				period_start TIMESTAMPTZ NOT NULL,
				period_end   TIMESTAMPTZ NOT NULL,
				units_used   BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id             TEXT PRIMARY KEY,
				user_id        TEXT NOT NULL REFERENCES users(id),
				jd_url         TEXT NOT NULL,
				resume_uri     TEXT NOT NULL,
				model_provider TEXT NOT NULL,
				model_name     TEXT NOT NULL,
				status         TEXT NOT NULL,
				priority       TEXT NOT NULL,
				version        BIGINT NOT NULL,
				artifact_ref   TEXT,
				failure_reason TEXT,
				created_at     TIMESTAMPTZ NOT NULL,
				updated_at     TIMESTAMPTZ NOT NULL,
				completed_at   TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs (user_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs (user_id, status)`,
		},
	})
}
