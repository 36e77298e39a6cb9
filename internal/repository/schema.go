package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// ChatSchema DDL for the four chat tables plus feed dismissals.
// The partial unique index on pair_key is what closes the personal-room
// creation race: two concurrent creators cannot both commit.
const ChatSchema = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS chat_rooms (
	room_id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	kind            VARCHAR(16)  NOT NULL CHECK (kind IN ('personal', 'group', 'support')),
	subject         VARCHAR(255) NOT NULL DEFAULT '',
	group_name      VARCHAR(255),
	description     TEXT,
	status          VARCHAR(16)  NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed', 'archived')),
	priority        VARCHAR(16)  NOT NULL DEFAULT 'normal' CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
	created_by      UUID         NOT NULL,
	group_admin     UUID,
	pair_key        TEXT,
	is_deleted      BOOLEAN      NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp(),
	last_message_at TIMESTAMPTZ,
	last_seq        BIGINT       NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_chat_rooms_personal_pair
	ON chat_rooms (pair_key)
	WHERE kind = 'personal' AND is_deleted = FALSE;

CREATE TABLE IF NOT EXISTS chat_participants (
	room_id      UUID        NOT NULL REFERENCES chat_rooms (room_id),
	operator_id  UUID        NOT NULL,
	role         VARCHAR(16) NOT NULL CHECK (role IN ('super_admin', 'admin', 'member')),
	added_by     UUID        NOT NULL,
	joined_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	left_at      TIMESTAMPTZ,
	last_read_at TIMESTAMPTZ,
	PRIMARY KEY (room_id, operator_id)
);

CREATE INDEX IF NOT EXISTS idx_chat_participants_operator
	ON chat_participants (operator_id) WHERE left_at IS NULL;

CREATE TABLE IF NOT EXISTS chat_messages (
	message_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	room_id    UUID        NOT NULL REFERENCES chat_rooms (room_id),
	sender_id  UUID        NOT NULL,
	body       TEXT        NOT NULL DEFAULT '',
	kind       VARCHAR(16) NOT NULL CHECK (kind IN ('text', 'system', 'attachment')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	is_read    BOOLEAN     NOT NULL DEFAULT FALSE,
	seq        BIGINT      NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_chat_messages_room_seq
	ON chat_messages (room_id, seq);

CREATE INDEX IF NOT EXISTS idx_chat_messages_room_created
	ON chat_messages (room_id, created_at, message_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_unread
	ON chat_messages (room_id, sender_id) WHERE is_read = FALSE;

CREATE TABLE IF NOT EXISTS chat_attachments (
	attachment_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	message_id    UUID         NOT NULL REFERENCES chat_messages (message_id),
	file_name     VARCHAR(512) NOT NULL,
	file_url      TEXT         NOT NULL,
	uploaded_by   UUID         NOT NULL,
	created_at    TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS idx_chat_attachments_message ON chat_attachments (message_id);

CREATE TABLE IF NOT EXISTS chat_notification_dismissals (
	operator_id  UUID        NOT NULL,
	message_id   UUID        NOT NULL REFERENCES chat_messages (message_id),
	dismissed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (operator_id, message_id)
);
`

// EnsureSchema applies ChatSchema (idempotent)
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, ChatSchema); err != nil {
		return fmt.Errorf("failed to apply chat schema: %w", err)
	}
	return nil
}
