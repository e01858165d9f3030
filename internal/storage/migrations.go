package storage

type migration struct {
	version  int
	sqlite   string
	postgres string
}

// migrations are applied in order; never edit a released one.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS campaigns (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL,
	audience_roles   TEXT NOT NULL DEFAULT '',
	interval_minutes INTEGER NOT NULL DEFAULT 0,
	active           BOOLEAN NOT NULL DEFAULT 1,
	claim_role_id    TEXT NOT NULL DEFAULT '',
	include_logo     BOOLEAN NOT NULL DEFAULT 0,
	last_fired_at    BIGINT,
	created_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_active ON campaigns(active);

CREATE TABLE IF NOT EXISTS role_notifications (
	role_id       TEXT PRIMARY KEY,
	role_name     TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL DEFAULT '',
	claim_role_id TEXT NOT NULL DEFAULT '',
	button_label  TEXT NOT NULL DEFAULT '',
	button_color  TEXT NOT NULL DEFAULT '',
	button_emoji  TEXT NOT NULL DEFAULT '',
	include_logo  BOOLEAN NOT NULL DEFAULT 0,
	updated_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS suppressions (
	recipient_id   TEXT NOT NULL,
	kind           TEXT NOT NULL,
	recipient_name TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL,
	PRIMARY KEY (recipient_id, kind)
);

CREATE TABLE IF NOT EXISTS audit (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      BIGINT NOT NULL,
	actor   TEXT NOT NULL DEFAULT '',
	action  TEXT NOT NULL,
	target  TEXT NOT NULL DEFAULT '',
	ok      INTEGER NOT NULL DEFAULT 0,
	fail    INTEGER NOT NULL DEFAULT 0,
	err     TEXT,
	took_ms BIGINT NOT NULL DEFAULT 0,
	meta    TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS campaigns (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL,
	audience_roles   TEXT NOT NULL DEFAULT '',
	interval_minutes INTEGER NOT NULL DEFAULT 0,
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	claim_role_id    TEXT NOT NULL DEFAULT '',
	include_logo     BOOLEAN NOT NULL DEFAULT FALSE,
	last_fired_at    BIGINT,
	created_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_active ON campaigns(active);

CREATE TABLE IF NOT EXISTS role_notifications (
	role_id       TEXT PRIMARY KEY,
	role_name     TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL DEFAULT '',
	claim_role_id TEXT NOT NULL DEFAULT '',
	button_label  TEXT NOT NULL DEFAULT '',
	button_color  TEXT NOT NULL DEFAULT '',
	button_emoji  TEXT NOT NULL DEFAULT '',
	include_logo  BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS suppressions (
	recipient_id   TEXT NOT NULL,
	kind           TEXT NOT NULL,
	recipient_name TEXT NOT NULL DEFAULT '',
	created_at     BIGINT NOT NULL,
	PRIMARY KEY (recipient_id, kind)
);

CREATE TABLE IF NOT EXISTS audit (
	id      BIGSERIAL PRIMARY KEY,
	at      BIGINT NOT NULL,
	actor   TEXT NOT NULL DEFAULT '',
	action  TEXT NOT NULL,
	target  TEXT NOT NULL DEFAULT '',
	ok      INTEGER NOT NULL DEFAULT 0,
	fail    INTEGER NOT NULL DEFAULT 0,
	err     TEXT,
	took_ms BIGINT NOT NULL DEFAULT 0,
	meta    TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
`,
	},
}
