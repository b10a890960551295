package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voyantlabs/concierge-core/core"
)

// SQLiteStore is the primary Store implementation, backed by an
// embedded sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the database at path and
// applies the schema. WAL and a busy timeout keep concurrent
// conversation workers from tripping over each other.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping reports whether the underlying database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *core.Conversation) error {
	c.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, client_id, channel, key, state, archived, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.Channel, c.Key, string(c.State), boolInt(c.Archived),
		c.Version, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicate
		}
		return core.Transient("create conversation", err)
	}
	return nil
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*core.Conversation, error) {
	var c core.Conversation
	var state string
	var archived int
	var created, updated int64
	err := row.Scan(&c.ID, &c.ClientID, &c.Channel, &c.Key, &state, &archived, &c.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, core.Transient("scan conversation", err)
	}
	c.State = core.DispatchState(state)
	c.Archived = archived != 0
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

const conversationCols = `id, client_id, channel, key, state, archived, version, created_at, updated_at`

func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*core.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id)
	return s.scanConversation(row)
}

func (s *SQLiteStore) ConversationByKey(ctx context.Context, key string) (*core.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE key = ?`, key)
	return s.scanConversation(row)
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *core.Conversation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET state = ?, archived = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(c.State), boolInt(c.Archived), c.UpdatedAt.UnixNano(), c.ID, c.Version,
	)
	if err != nil {
		return core.Transient("update conversation", err)
	}
	return s.versionedResult(ctx, res, `SELECT COUNT(*) FROM conversations WHERE id = ?`, c.ID, &c.Version)
}

// versionedResult classifies a zero-row UPDATE as either a missing row
// or a stale version, and bumps the caller's version copy on success.
func (s *SQLiteStore) versionedResult(ctx context.Context, res sql.Result, existsQuery, id string, version *int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return core.Transient("rows affected", err)
	}
	if n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, existsQuery, id).Scan(&count); err != nil {
			return core.Transient("conflict probe", err)
		}
		if count == 0 {
			return core.ErrNotFound
		}
		return core.ErrVersionConflict
	}
	*version++
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *core.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, direction, text, intent, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Direction), m.Text, string(m.Intent), m.Confidence, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return core.Transient("append message", err)
	}
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*core.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, direction, text, intent, confidence, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, core.Transient("recent messages", err)
	}
	defer rows.Close()

	var out []*core.Message
	for rows.Next() {
		var m core.Message
		var direction, intent string
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &m.Text, &intent, &m.Confidence, &created); err != nil {
			return nil, core.Transient("scan message", err)
		}
		m.Direction = core.Direction(direction)
		m.Intent = core.Intent(intent)
		m.CreatedAt = time.Unix(0, created)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("iterate messages", err)
	}
	// Query returned newest first; flip to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) CreatePerson(ctx context.Context, p *core.Person) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persons (id, client_id, name, notes, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.ClientID, p.Name, p.Notes, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return core.Transient("create person", err)
	}
	return nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *core.Project) error {
	p.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, client_id, name, notes, status, version) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClientID, p.Name, p.Notes, p.Status, p.Version,
	)
	if err != nil {
		return core.Transient("create project", err)
	}
	return nil
}

func (s *SQLiteStore) scanProject(row *sql.Row) (*core.Project, error) {
	var p core.Project
	err := row.Scan(&p.ID, &p.ClientID, &p.Name, &p.Notes, &p.Status, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, core.Transient("scan project", err)
	}
	return &p, nil
}

func (s *SQLiteStore) Project(ctx context.Context, id string) (*core.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, name, notes, status, version FROM projects WHERE id = ?`, id)
	return s.scanProject(row)
}

func (s *SQLiteStore) ProjectByName(ctx context.Context, clientID, name string) (*core.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, name, notes, status, version FROM projects
		 WHERE client_id = ? AND name = ? LIMIT 1`, clientID, name)
	return s.scanProject(row)
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *core.Project) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, notes = ?, status = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		p.Name, p.Notes, p.Status, p.ID, p.Version,
	)
	if err != nil {
		return core.Transient("update project", err)
	}
	return s.versionedResult(ctx, res, `SELECT COUNT(*) FROM projects WHERE id = ?`, p.ID, &p.Version)
}

func (s *SQLiteStore) CreateReminderRule(ctx context.Context, r *core.ReminderRule) error {
	r.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_rules
		 (id, client_id, conversation_id, trigger_kind, trigger_at, trigger_every, payload, status, source_message_id, owner_ref, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ClientID, r.ConversationID, string(r.Trigger.Kind), r.Trigger.At.UnixNano(),
		int64(r.Trigger.Every), r.Payload, string(r.Status), r.SourceMessageID, r.OwnerRef,
		r.Version, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicate
		}
		return core.Transient("create reminder rule", err)
	}
	return nil
}

const ruleCols = `id, client_id, conversation_id, trigger_kind, trigger_at, trigger_every, payload, status, source_message_id, owner_ref, version, created_at`

func scanRule(scan func(dest ...any) error) (*core.ReminderRule, error) {
	var r core.ReminderRule
	var kind, status string
	var at, every, created int64
	var source sql.NullString
	err := scan(&r.ID, &r.ClientID, &r.ConversationID, &kind, &at, &every,
		&r.Payload, &status, &source, &r.OwnerRef, &r.Version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, core.Transient("scan reminder rule", err)
	}
	r.Trigger = core.Trigger{Kind: core.TriggerKind(kind), At: time.Unix(0, at), Every: time.Duration(every)}
	r.Status = core.RuleStatus(status)
	r.SourceMessageID = source.String
	r.CreatedAt = time.Unix(0, created)
	return &r, nil
}

func (s *SQLiteStore) ReminderRule(ctx context.Context, id string) (*core.ReminderRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM reminder_rules WHERE id = ?`, id)
	return scanRule(row.Scan)
}

func (s *SQLiteStore) UpdateReminderRule(ctx context.Context, r *core.ReminderRule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_rules SET trigger_kind = ?, trigger_at = ?, trigger_every = ?, payload = ?, status = ?, owner_ref = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(r.Trigger.Kind), r.Trigger.At.UnixNano(), int64(r.Trigger.Every),
		r.Payload, string(r.Status), r.OwnerRef, r.ID, r.Version,
	)
	if err != nil {
		return core.Transient("update reminder rule", err)
	}
	return s.versionedResult(ctx, res, `SELECT COUNT(*) FROM reminder_rules WHERE id = ?`, r.ID, &r.Version)
}

func (s *SQLiteStore) ActiveReminderRules(ctx context.Context) ([]*core.ReminderRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM reminder_rules WHERE status = ? ORDER BY created_at`, string(core.RuleActive))
	if err != nil {
		return nil, core.Transient("active rules", err)
	}
	defer rows.Close()
	var out []*core.ReminderRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("iterate rules", err)
	}
	return out, nil
}

func (s *SQLiteStore) ReminderRulesByConversation(ctx context.Context, conversationID string) ([]*core.ReminderRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM reminder_rules WHERE conversation_id = ? ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, core.Transient("rules by conversation", err)
	}
	defer rows.Close()
	var out []*core.ReminderRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("iterate rules", err)
	}
	return out, nil
}

func (s *SQLiteStore) CancelReminderRulesByOwner(ctx context.Context, ownerRef string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_rules SET status = ?, version = version + 1
		 WHERE owner_ref = ? AND status = ?`,
		string(core.RuleCancelled), ownerRef, string(core.RuleActive),
	)
	if err != nil {
		return 0, core.Transient("cancel rules by owner", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.Transient("rows affected", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CreateReminderInstance(ctx context.Context, inst *core.ReminderInstance) error {
	inst.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_instances (id, rule_id, scheduled_for, state, attempts, last_error, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.RuleID, inst.ScheduledFor.UnixNano(), string(inst.State),
		inst.Attempts, inst.LastError, inst.Version, inst.CreatedAt.UnixNano(),
	)
	if err != nil {
		return core.Transient("create reminder instance", err)
	}
	return nil
}

const instanceCols = `id, rule_id, scheduled_for, state, attempts, last_error, acknowledged_at, version, created_at`

func scanInstance(scan func(dest ...any) error) (*core.ReminderInstance, error) {
	var inst core.ReminderInstance
	var state string
	var scheduled, acked, created int64
	err := scan(&inst.ID, &inst.RuleID, &scheduled, &state, &inst.Attempts, &inst.LastError, &acked, &inst.Version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, core.Transient("scan reminder instance", err)
	}
	inst.ScheduledFor = time.Unix(0, scheduled)
	inst.State = core.InstanceState(state)
	if acked != 0 {
		inst.AcknowledgedAt = time.Unix(0, acked)
	}
	inst.CreatedAt = time.Unix(0, created)
	return &inst, nil
}

func (s *SQLiteStore) ReminderInstance(ctx context.Context, id string) (*core.ReminderInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM reminder_instances WHERE id = ?`, id)
	return scanInstance(row.Scan)
}

func (s *SQLiteStore) LatestInstanceForRule(ctx context.Context, ruleID string) (*core.ReminderInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceCols+` FROM reminder_instances WHERE rule_id = ?
		 ORDER BY scheduled_for DESC LIMIT 1`, ruleID)
	return scanInstance(row.Scan)
}

func (s *SQLiteStore) DueReminderInstances(ctx context.Context, now time.Time) ([]*core.ReminderInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.rule_id, i.scheduled_for, i.state, i.attempts, i.last_error, i.acknowledged_at, i.version, i.created_at
		 FROM reminder_instances i
		 JOIN reminder_rules r ON r.id = i.rule_id
		 WHERE i.state = ? AND i.scheduled_for <= ? AND r.status = ?
		 ORDER BY i.scheduled_for`,
		string(core.InstancePending), now.UnixNano(), string(core.RuleActive),
	)
	if err != nil {
		return nil, core.Transient("due instances", err)
	}
	defer rows.Close()
	var out []*core.ReminderInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("iterate instances", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkInstanceDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_instances SET state = ?, version = version + 1
		 WHERE id = ? AND state = ?`,
		string(core.InstanceDelivered), id, string(core.InstancePending),
	)
	if err != nil {
		return core.Transient("mark delivered", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Transient("rows affected", err)
	}
	if n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminder_instances WHERE id = ?`, id).Scan(&count); err != nil {
			return core.Transient("conflict probe", err)
		}
		if count == 0 {
			return core.ErrNotFound
		}
		return core.ErrConditionFailed
	}
	return nil
}

func (s *SQLiteStore) RecordInstanceFailure(ctx context.Context, id, cause string, maxAttempts int) (*core.ReminderInstance, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_instances
		 SET attempts = attempts + 1,
		     last_error = ?,
		     state = CASE WHEN attempts + 1 >= ? THEN ? ELSE state END,
		     version = version + 1
		 WHERE id = ? AND state = ?`,
		cause, maxAttempts, string(core.InstanceDeadLettered), id, string(core.InstancePending),
	)
	if err != nil {
		return nil, core.Transient("record failure", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, core.Transient("rows affected", err)
	}
	if n == 0 {
		return nil, core.ErrConditionFailed
	}
	return s.ReminderInstance(ctx, id)
}

func (s *SQLiteStore) AcknowledgeInstance(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminder_instances SET acknowledged_at = ?, version = version + 1
		 WHERE id = ? AND state = ?`,
		at.UnixNano(), id, string(core.InstanceDelivered),
	)
	if err != nil {
		return core.Transient("acknowledge instance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Transient("rows affected", err)
	}
	if n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminder_instances WHERE id = ?`, id).Scan(&count); err != nil {
			return core.Transient("conflict probe", err)
		}
		if count == 0 {
			return core.ErrNotFound
		}
		return core.ErrConditionFailed
	}
	return nil
}

func (s *SQLiteStore) ClaimEffect(ctx context.Context, messageID, agent string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO effect_ledger (message_id, agent, claimed_at) VALUES (?, ?, ?)`,
		messageID, agent, time.Now().UnixNano(),
	)
	if err != nil {
		return false, core.Transient("claim effect", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, core.Transient("rows affected", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseEffect(ctx context.Context, messageID, agent string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM effect_ledger WHERE message_id = ? AND agent = ?`,
		messageID, agent,
	)
	if err != nil {
		return core.Transient("release effect", err)
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *core.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, conversation_id, message_id, agents, decision, flags, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.MessageID, strings.Join(e.Agents, ","),
		e.Decision, strings.Join(e.Flags, ","), e.Detail, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return core.Transient("append audit", err)
	}
	return nil
}

func (s *SQLiteStore) AuditByConversation(ctx context.Context, conversationID string) ([]*core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, message_id, agents, decision, flags, detail, created_at
		 FROM audit_log WHERE conversation_id = ? ORDER BY created_at, rowid`,
		conversationID,
	)
	if err != nil {
		return nil, core.Transient("audit by conversation", err)
	}
	defer rows.Close()
	var out []*core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		var agents, flags string
		var created int64
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MessageID, &agents, &e.Decision, &flags, &e.Detail, &created); err != nil {
			return nil, core.Transient("scan audit entry", err)
		}
		e.Agents = splitCSV(agents)
		e.Flags = splitCSV(flags)
		e.CreatedAt = time.Unix(0, created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Transient("iterate audit", err)
	}
	return out, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
