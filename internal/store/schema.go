package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	current_step TEXT NOT NULL,
	history TEXT NOT NULL DEFAULT '{}',
	transport_address TEXT,
	last_active_at TIMESTAMP,
	blocked BOOLEAN NOT NULL DEFAULT 0,
	bot_disabled BOOLEAN NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS appointment_slots (
	id TEXT PRIMARY KEY,
	date TEXT NOT NULL,
	time TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	display_name TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (date, time)
);
CREATE TABLE IF NOT EXISTS schedule_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS contacts (
	phone TEXT PRIMARY KEY,
	name TEXT,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS inbound_dedup (
	message_id TEXT PRIMARY KEY,
	contact_id TEXT,
	received_at TIMESTAMP NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	current_step TEXT NOT NULL,
	history JSONB NOT NULL DEFAULT '{}',
	transport_address TEXT,
	last_active_at TIMESTAMPTZ,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	bot_disabled BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS appointment_slots (
	id TEXT PRIMARY KEY,
	date TEXT NOT NULL,
	time TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	display_name TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (date, time)
);
CREATE TABLE IF NOT EXISTS schedule_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS contacts (
	phone TEXT PRIMARY KEY,
	name TEXT,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS inbound_dedup (
	message_id TEXT PRIMARY KEY,
	contact_id TEXT,
	received_at TIMESTAMPTZ NOT NULL
);
`
