package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skobkin/groundlink/internal/domain"
)

// CommandRepo implements domain.CommandRepository using SQLite. Command ids restart with each
// process, so rows are keyed by (session, id).
type CommandRepo struct {
	db *sql.DB
}

func NewCommandRepo(db *sql.DB) *CommandRepo {
	return &CommandRepo{db: db}
}

func (r *CommandRepo) Upsert(ctx context.Context, session string, c domain.PendingCommand) error {
	payloadJSON, err := marshalJSONNullable(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}
	var replyRaw any
	if c.Reply != nil {
		replyRaw = c.Reply.Raw()
	}
	superseded := 0
	if c.Superseded {
		superseded = 1
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO commands(
			session, id, connection_id, target_system, target_component, kind, kind_name,
			payload_json, sent_at, timeout_ms, status, outcome, superseded, error_text, reply_raw, resolved_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, id) DO UPDATE SET
			connection_id = excluded.connection_id,
			status = excluded.status,
			outcome = excluded.outcome,
			superseded = excluded.superseded,
			error_text = excluded.error_text,
			reply_raw = excluded.reply_raw,
			resolved_at = excluded.resolved_at
	`,
		session,
		// #nosec G115 -- ids are small sequential counters.
		int64(c.ID),
		// #nosec G115 -- same.
		int64(c.ConnectionID),
		int(c.TargetSystem),
		int(c.TargetComponent),
		int(c.Kind),
		c.KindName,
		payloadJSON,
		toUnixMillis(c.SentAt),
		c.Timeout.Milliseconds(),
		string(c.Status),
		nullableString(string(c.Outcome)),
		superseded,
		nullableString(c.Error),
		replyRaw,
		nullableMillis(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert command: %w", err)
	}

	return nil
}

// ListSession returns the commands of one session ordered by id.
func (r *CommandRepo) ListSession(ctx context.Context, session string) ([]domain.CommandRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, connection_id, target_system, target_component, kind, kind_name, payload_json,
			sent_at, timeout_ms, status, outcome, superseded, error_text, reply_raw, resolved_at
		FROM commands
		WHERE session = ?
		ORDER BY id
	`, session)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.CommandRecord
	for rows.Next() {
		var (
			rec                         domain.CommandRecord
			id, connID, sentAt, timeout int64
			sys, comp, kind, superseded int
			payloadJSON, outcome, errTx sql.NullString
			resolvedAt                  sql.NullInt64
			status                      string
		)
		if err := rows.Scan(&id, &connID, &sys, &comp, &kind, &rec.Command.KindName, &payloadJSON,
			&sentAt, &timeout, &status, &outcome, &superseded, &errTx, &rec.ReplyRaw, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		c := &rec.Command
		// #nosec G115 -- stored from the same unsigned types.
		c.ID, c.ConnectionID = domain.CommandID(id), domain.ConnectionID(connID)
		// #nosec G115 -- same.
		c.TargetSystem, c.TargetComponent, c.Kind = uint8(sys), uint8(comp), uint8(kind)
		c.SentAt = fromUnixMillis(sentAt)
		c.Timeout = time.Duration(timeout) * time.Millisecond
		c.Status = domain.CommandStatus(status)
		c.Outcome = domain.CommandOutcome(outcome.String)
		c.Superseded = superseded != 0
		c.Error = errTx.String
		if resolvedAt.Valid {
			c.ResolvedAt = fromUnixMillis(resolvedAt.Int64)
		}
		if payloadJSON.Valid {
			if err := json.Unmarshal([]byte(payloadJSON.String), &c.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal command payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}

	return out, nil
}

func marshalJSONNullable(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" || string(raw) == "{}" {
		return nil, nil
	}

	return string(raw), nil
}
