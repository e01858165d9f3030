package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "castbot/pkg/logx"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"

	defaultSQLitePath = "./castbot.db"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore serves both sqlite and postgres. Queries are written with '?'
// placeholders and rebound per driver.
type sqlStore struct {
	db      *sqlx.DB
	dialect string
	log     logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating sqlite dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &sqlStore{db: db, dialect: dialectSQLite, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return s, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &sqlStore{db: db, dialect: dialectPostgres, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"))
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	var current int
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		body := m.sqlite
		if s.dialect == dialectPostgres {
			body = m.postgres
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_version(version) VALUES (?)`), m.version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Debug("migration applied", logx.Int("version", m.version), logx.String("dialect", s.dialect))
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

// ---- campaigns

type campaignRow struct {
	ID              string        `db:"id"`
	Name            string        `db:"name"`
	Message         string        `db:"message"`
	AudienceRoles   string        `db:"audience_roles"`
	IntervalMinutes int           `db:"interval_minutes"`
	Active          bool          `db:"active"`
	ClaimRoleID     string        `db:"claim_role_id"`
	IncludeLogo     bool          `db:"include_logo"`
	LastFiredAt     sql.NullInt64 `db:"last_fired_at"`
	CreatedAt       int64         `db:"created_at"`
}

const campaignColumns = `id, name, message, audience_roles, interval_minutes, active, claim_role_id, include_logo, last_fired_at, created_at`

func (r campaignRow) job() CampaignJob {
	j := CampaignJob{
		ID:              r.ID,
		Name:            r.Name,
		Message:         r.Message,
		AudienceRoleIDs: splitIDs(r.AudienceRoles),
		IntervalMinutes: r.IntervalMinutes,
		Active:          r.Active,
		ClaimRoleID:     r.ClaimRoleID,
		IncludeLogo:     r.IncludeLogo,
		CreatedAt:       time.UnixMilli(r.CreatedAt),
	}
	if r.LastFiredAt.Valid {
		t := time.UnixMilli(r.LastFiredAt.Int64)
		j.LastFiredAt = &t
	}
	return j
}

func (s *sqlStore) selectCampaigns(ctx context.Context, where string, args ...any) ([]CampaignJob, error) {
	var rows []campaignRow
	query := `SELECT ` + campaignColumns + ` FROM campaigns ` + where + ` ORDER BY created_at, id`
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("selecting campaigns: %w", err)
	}
	out := make([]CampaignJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.job())
	}
	return out, nil
}

func (s *sqlStore) ActiveCampaigns(ctx context.Context) ([]CampaignJob, error) {
	return s.selectCampaigns(ctx, `WHERE active = ?`, true)
}

func (s *sqlStore) ListCampaigns(ctx context.Context) ([]CampaignJob, error) {
	return s.selectCampaigns(ctx, ``)
}

func (s *sqlStore) Campaign(ctx context.Context, id string) (CampaignJob, error) {
	var r campaignRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignJob{}, ErrNotFound
	}
	if err != nil {
		return CampaignJob{}, fmt.Errorf("getting campaign %s: %w", id, err)
	}
	return r.job(), nil
}

func (s *sqlStore) UpsertCampaign(ctx context.Context, j CampaignJob) error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("campaign id must not be empty")
	}
	if j.IntervalMinutes < 0 {
		return errors.New("campaign interval must be >= 0")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	var last any
	if j.LastFiredAt != nil {
		last = j.LastFiredAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			message = excluded.message,
			audience_roles = excluded.audience_roles,
			interval_minutes = excluded.interval_minutes,
			active = excluded.active,
			claim_role_id = excluded.claim_role_id,
			include_logo = excluded.include_logo,
			last_fired_at = excluded.last_fired_at`),
		j.ID, j.Name, j.Message, joinIDs(j.AudienceRoleIDs), j.IntervalMinutes, j.Active,
		j.ClaimRoleID, j.IncludeLogo, last, j.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upserting campaign %s: %w", j.ID, err)
	}
	return nil
}

func (s *sqlStore) DeactivateCampaign(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE campaigns SET active = ? WHERE id = ? AND active = ?`), false, id, true)
	if err != nil {
		return false, fmt.Errorf("deactivating campaign %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) MarkCampaignFired(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE campaigns SET last_fired_at = ? WHERE id = ?`), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("marking campaign %s fired: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- role notifications

type roleNotificationRow struct {
	RoleID      string `db:"role_id"`
	RoleName    string `db:"role_name"`
	Title       string `db:"title"`
	Body        string `db:"body"`
	ClaimRoleID string `db:"claim_role_id"`
	ButtonLabel string `db:"button_label"`
	ButtonColor string `db:"button_color"`
	ButtonEmoji string `db:"button_emoji"`
	IncludeLogo bool   `db:"include_logo"`
	UpdatedAt   int64  `db:"updated_at"`
}

const roleNotificationColumns = `role_id, role_name, title, body, claim_role_id, button_label, button_color, button_emoji, include_logo, updated_at`

func (r roleNotificationRow) notification() RoleNotification {
	n := RoleNotification{
		RoleID:      r.RoleID,
		RoleName:    r.RoleName,
		Title:       r.Title,
		Body:        r.Body,
		IncludeLogo: r.IncludeLogo,
		UpdatedAt:   time.UnixMilli(r.UpdatedAt),
	}
	if r.ClaimRoleID != "" {
		n.Claim = &ClaimSpec{RoleID: r.ClaimRoleID, ButtonLabel: r.ButtonLabel, ButtonColor: r.ButtonColor, ButtonEmoji: r.ButtonEmoji}
	}
	return n
}

func (s *sqlStore) RoleNotification(ctx context.Context, roleID string) (RoleNotification, error) {
	var r roleNotificationRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+roleNotificationColumns+` FROM role_notifications WHERE role_id = ?`), roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleNotification{}, ErrNotFound
	}
	if err != nil {
		return RoleNotification{}, fmt.Errorf("getting role notification %s: %w", roleID, err)
	}
	return r.notification(), nil
}

func (s *sqlStore) ListRoleNotifications(ctx context.Context) ([]RoleNotification, error) {
	var rows []roleNotificationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+roleNotificationColumns+` FROM role_notifications ORDER BY role_id`); err != nil {
		return nil, fmt.Errorf("listing role notifications: %w", err)
	}
	out := make([]RoleNotification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.notification())
	}
	return out, nil
}

func (s *sqlStore) UpsertRoleNotification(ctx context.Context, n RoleNotification) error {
	if strings.TrimSpace(n.RoleID) == "" {
		return errors.New("role id must not be empty")
	}
	var c ClaimSpec
	if n.Claim != nil {
		c = *n.Claim
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO role_notifications (`+roleNotificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (role_id) DO UPDATE SET
			role_name = excluded.role_name,
			title = excluded.title,
			body = excluded.body,
			claim_role_id = excluded.claim_role_id,
			button_label = excluded.button_label,
			button_color = excluded.button_color,
			button_emoji = excluded.button_emoji,
			include_logo = excluded.include_logo,
			updated_at = excluded.updated_at`),
		n.RoleID, n.RoleName, n.Title, n.Body, c.RoleID, c.ButtonLabel, c.ButtonColor, c.ButtonEmoji,
		n.IncludeLogo, n.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upserting role notification %s: %w", n.RoleID, err)
	}
	return nil
}

func (s *sqlStore) DeleteRoleNotification(ctx context.Context, roleID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM role_notifications WHERE role_id = ?`), roleID); err != nil {
		return fmt.Errorf("deleting role notification %s: %w", roleID, err)
	}
	return nil
}

// ---- suppressions

type suppressionRow struct {
	RecipientID   string `db:"recipient_id"`
	Kind          string `db:"kind"`
	RecipientName string `db:"recipient_name"`
	CreatedAt     int64  `db:"created_at"`
}

func (s *sqlStore) AddSuppression(ctx context.Context, e SuppressionEntry) error {
	if strings.TrimSpace(e.RecipientID) == "" {
		return errors.New("recipient id must not be empty")
	}
	if e.Kind == "" {
		e.Kind = KindMarketing
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO suppressions (recipient_id, kind, recipient_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (recipient_id, kind) DO UPDATE SET
			recipient_name = excluded.recipient_name,
			created_at = excluded.created_at`),
		e.RecipientID, e.Kind, e.RecipientName, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("adding suppression for %s: %w", e.RecipientID, err)
	}
	return nil
}

func (s *sqlStore) RemoveSuppression(ctx context.Context, recipientID, kind string) error {
	if kind == "" {
		kind = KindMarketing
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM suppressions WHERE recipient_id = ? AND kind = ?`), recipientID, kind); err != nil {
		return fmt.Errorf("removing suppression for %s: %w", recipientID, err)
	}
	return nil
}

func (s *sqlStore) IsSuppressed(ctx context.Context, recipientID, kind string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM suppressions WHERE recipient_id = ? AND kind = ?`), recipientID, kind); err != nil {
		return false, fmt.Errorf("checking suppression for %s: %w", recipientID, err)
	}
	return n > 0, nil
}

func (s *sqlStore) Suppressed(ctx context.Context, kind string) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.q(`SELECT recipient_id FROM suppressions WHERE kind = ?`), kind); err != nil {
		return nil, fmt.Errorf("loading suppressions: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *sqlStore) ListSuppressions(ctx context.Context, kind string) ([]SuppressionEntry, error) {
	var rows []suppressionRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT recipient_id, kind, recipient_name, created_at FROM suppressions WHERE kind = ? ORDER BY created_at DESC, recipient_id`), kind)
	if err != nil {
		return nil, fmt.Errorf("listing suppressions: %w", err)
	}
	out := make([]SuppressionEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, SuppressionEntry{RecipientID: r.RecipientID, RecipientName: r.RecipientName, Kind: r.Kind, CreatedAt: time.UnixMilli(r.CreatedAt)})
	}
	return out, nil
}

// ---- audit

type auditRow struct {
	At     int64          `db:"at"`
	Actor  string         `db:"actor"`
	Action string         `db:"action"`
	Target string         `db:"target"`
	OK     int            `db:"ok"`
	Fail   int            `db:"fail"`
	Err    sql.NullString `db:"err"`
	TookMS int64          `db:"took_ms"`
	Meta   sql.NullString `db:"meta"`
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit (at, actor, action, target, ok, fail, err, took_ms, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.At.UnixMilli(), e.Actor, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

func (s *sqlStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT at, actor, action, target, ok, fail, err, took_ms, meta FROM audit ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("reading audit: %w", err)
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			At: time.UnixMilli(r.At), Actor: r.Actor, Action: r.Action, Target: r.Target,
			OK: r.OK, Fail: r.Fail, Error: r.Err.String, TookMS: r.TookMS, Meta: r.Meta.String,
		})
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func joinIDs(ids []string) string {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	return strings.Join(clean, ",")
}

func splitIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
