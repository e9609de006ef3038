package sqlite

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Versions are
// sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS prescriptions (
	id                TEXT PRIMARY KEY,
	patient_id        TEXT NOT NULL,
	doctor_id         TEXT NOT NULL DEFAULT '',
	medications       TEXT NOT NULL DEFAULT '[]',
	diagnosis         TEXT NOT NULL DEFAULT '',
	notes             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'ACTIVE',
	refill_limit      INTEGER NOT NULL DEFAULT 0 CHECK (refill_limit >= 0),
	refills_remaining INTEGER NOT NULL DEFAULT 0 CHECK (refills_remaining >= 0),
	valid_until       DATETIME,
	created_at        DATETIME NOT NULL,
	version           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reminders (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	medicine_name TEXT NOT NULL,
	dosage        TEXT NOT NULL DEFAULT '',
	frequency     TEXT NOT NULL DEFAULT '',
	instructions  TEXT NOT NULL DEFAULT '',
	times         TEXT NOT NULL DEFAULT '[]',
	start_date    DATETIME,
	end_date      DATETIME,
	active        INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dose_logs (
	id           TEXT PRIMARY KEY,
	patient_id   TEXT NOT NULL,
	reminder_id  TEXT NOT NULL,
	scheduled_at DATETIME NOT NULL,
	taken_at     DATETIME,
	status       TEXT NOT NULL,
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS refill_requests (
	id              TEXT PRIMARY KEY,
	patient_id      TEXT NOT NULL,
	pharmacist_id   TEXT NOT NULL,
	prescription_id TEXT NOT NULL REFERENCES prescriptions(id),
	status          TEXT NOT NULL,
	note            TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notifications (
	id             TEXT PRIMARY KEY,
	recipient_id   TEXT NOT NULL,
	sender_id      TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL,
	title          TEXT NOT NULL,
	message        TEXT NOT NULL,
	reference_type TEXT NOT NULL DEFAULT '',
	reference_id   TEXT NOT NULL DEFAULT '',
	read           INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions(patient_id);
CREATE INDEX IF NOT EXISTS idx_reminders_patient ON reminders(patient_id);
CREATE INDEX IF NOT EXISTS idx_dose_logs_patient_scheduled ON dose_logs(patient_id, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_refill_requests_patient ON refill_requests(patient_id);
CREATE INDEX IF NOT EXISTS idx_refill_requests_pharmacist ON refill_requests(pharmacist_id, status);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, read);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE UNIQUE INDEX IF NOT EXISTS idx_refill_requests_one_active
	ON refill_requests(prescription_id)
	WHERE status IN ('REQUESTED', 'PROCESSING', 'READY');

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
