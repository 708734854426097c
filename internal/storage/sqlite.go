package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"fanout/internal/notification"
	logx "fanout/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	limit int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; concurrent batch appends queue on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log, limit: queryLimit(cfg)}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Info("sqlite store opened", logx.String("path", path), logx.Int("query_limit", st.limit))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- records ----

func (s *sqliteStore) CreateNotificationRecord(ctx context.Context, req notification.Request) (notification.Record, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return notification.Record{}, err
	}
	rec := notification.Record{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    notification.StatusProcessing,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, request, status, stats, created_at) VALUES(?,?,?,?,?)`,
		rec.ID, string(raw), string(rec.Status), "{}", rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return notification.Record{}, err
	}
	return rec, nil
}

func (s *sqliteStore) FinalizeNotificationRecord(ctx context.Context, id string, stats notification.DeliveryStats, errs []string) error {
	rawStats, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	var rawErrs any
	if len(errs) > 0 {
		b, err := json.Marshal(errs)
		if err != nil {
			return err
		}
		rawErrs = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, stats = ?, errors = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(notification.StatusCompleted), string(rawStats), rawErrs, time.Now().UnixMilli(),
		id, string(notification.StatusPending), string(notification.StatusProcessing),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM notifications WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("notification %s is %s: %w", id, status, notification.ErrStatusRegression)
}

func (s *sqliteStore) AppendDeliveryOutcomes(ctx context.Context, outcomes []notification.DeliveryOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO delivery_outcomes(notification_id, recipient_id, channel, status, err, endpoints, at)
		 VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outcomes {
		at := o.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, o.NotificationID, o.RecipientID, string(o.Channel), string(o.Status), nullStr(o.Error), o.Endpoints, at.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const recordColumns = `id, request, status, stats, errors, created_at, completed_at`

func (s *sqliteStore) GetNotificationRecord(ctx context.Context, id string) (notification.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM notifications WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Record{}, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	return rec, err
}

func (s *sqliteStore) ListRecords(ctx context.Context, f RecordFilter) ([]notification.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM notifications WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.CreatedBefore.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, f.CreatedBefore.UnixMilli())
	}
	if f.After != nil {
		ms := f.After.CreatedAt.UnixMilli()
		q += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ms, ms, f.After.ID)
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (notification.Record, error) {
	var (
		rec         notification.Record
		rawReq      string
		status      string
		rawStats    string
		rawErrs     sql.NullString
		createdAt   int64
		completedAt sql.NullInt64
	)
	if err := sc.Scan(&rec.ID, &rawReq, &status, &rawStats, &rawErrs, &createdAt, &completedAt); err != nil {
		return notification.Record{}, err
	}
	if err := json.Unmarshal([]byte(rawReq), &rec.Request); err != nil {
		return notification.Record{}, fmt.Errorf("decode request of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rawStats), &rec.Stats); err != nil {
		return notification.Record{}, fmt.Errorf("decode stats of %s: %w", rec.ID, err)
	}
	if rawErrs.Valid {
		if err := json.Unmarshal([]byte(rawErrs.String), &rec.Errors); err != nil {
			return notification.Record{}, fmt.Errorf("decode errors of %s: %w", rec.ID, err)
		}
	}
	rec.Status = notification.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		rec.CompletedAt = &t
	}
	return rec, nil
}

func (s *sqliteStore) ListDeliveryOutcomes(ctx context.Context, notificationID string) ([]notification.DeliveryOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, channel, status, err, endpoints, at FROM delivery_outcomes
		 WHERE notification_id = ? ORDER BY id`, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.DeliveryOutcome
	for rows.Next() {
		var (
			o       = notification.DeliveryOutcome{NotificationID: notificationID}
			channel string
			status  string
			errStr  sql.NullString
			at      int64
		)
		if err := rows.Scan(&o.RecipientID, &channel, &status, &errStr, &o.Endpoints, &at); err != nil {
			return nil, err
		}
		o.Channel = notification.Channel(channel)
		o.Status = notification.OutcomeStatus(status)
		o.Error = errStr.String
		o.At = time.UnixMilli(at).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---- subscriptions ----

func (s *sqliteStore) PutEndpoint(ctx context.Context, ep notification.SubscriptionEndpoint) (notification.SubscriptionEndpoint, error) {
	if ep.RecipientID == "" || ep.Address == "" {
		return notification.SubscriptionEndpoint{}, errors.New("endpoint requires recipient_id and address")
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	ep.Active = true

	// On conflict the existing row keeps its id; read it back.
	var created int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO endpoints(id, recipient_id, address, p256dh, auth, active, created_at)
		 VALUES(?,?,?,?,?,1,?)
		 ON CONFLICT(recipient_id, address) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth, active = 1
		 RETURNING id, created_at`,
		ep.ID, ep.RecipientID, ep.Address, nullStr(ep.P256dh), nullStr(ep.Auth), ep.CreatedAt.UnixMilli(),
	).Scan(&ep.ID, &created)
	if err != nil {
		return notification.SubscriptionEndpoint{}, err
	}
	ep.CreatedAt = time.UnixMilli(created).UTC()
	return ep, nil
}

func (s *sqliteStore) QueryLimit() int { return s.limit }

func (s *sqliteStore) GetActiveEndpoints(ctx context.Context, recipientIDs []string) ([]notification.SubscriptionEndpoint, error) {
	if len(recipientIDs) > s.limit {
		return nil, fmt.Errorf("%d ids (limit %d): %w", len(recipientIDs), s.limit, ErrQueryLimit)
	}
	if len(recipientIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(recipientIDs))
	for i, id := range recipientIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, address, p256dh, auth, created_at FROM endpoints
		 WHERE active = 1 AND recipient_id IN (`+placeholders(len(args))+`)
		 ORDER BY recipient_id, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.SubscriptionEndpoint
	for rows.Next() {
		var (
			ep           = notification.SubscriptionEndpoint{Active: true}
			p256dh, auth sql.NullString
			created      int64
		)
		if err := rows.Scan(&ep.ID, &ep.RecipientID, &ep.Address, &p256dh, &auth, &created); err != nil {
			return nil, err
		}
		ep.P256dh, ep.Auth = p256dh.String, auth.String
		ep.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateEndpoint(ctx context.Context, recipientID, endpointID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE endpoints SET active = 0 WHERE id = ? AND recipient_id = ?`, endpointID, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %s/%s: %w", recipientID, endpointID, notification.ErrNotFound)
	}
	return nil
}

// ---- directory ----

func (s *sqliteStore) PutRecipient(ctx context.Context, r notification.Recipient) error {
	if r.ID == "" {
		return errors.New("recipient id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, role, name, email, phone) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET role = excluded.role, name = excluded.name, email = excluded.email, phone = excluded.phone`,
		r.ID, string(r.Role), nullStr(r.Name), nullStr(r.Email), nullStr(r.Phone),
	)
	return err
}

func (s *sqliteStore) AddGroupMember(ctx context.Context, groupID, recipientID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members(group_id, recipient_id) VALUES(?,?) ON CONFLICT DO NOTHING`,
		groupID, recipientID,
	)
	return err
}

func (s *sqliteStore) ListByRoles(ctx context.Context, roles ...notification.Role) ([]notification.Recipient, error) {
	q := `SELECT id, role, name, email, phone FROM recipients`
	var args []any
	if len(roles) > 0 {
		for _, r := range roles {
			args = append(args, string(r))
		}
		q += ` WHERE role IN (` + placeholders(len(args)) + `)`
	}
	return s.queryRecipients(ctx, q+` ORDER BY id`, args...)
}

func (s *sqliteStore) ListGroupMembers(ctx context.Context, groupID string) ([]notification.Recipient, error) {
	return s.queryRecipients(ctx,
		`SELECT r.id, r.role, r.name, r.email, r.phone FROM recipients r
		 JOIN group_members g ON g.recipient_id = r.id
		 WHERE g.group_id = ? ORDER BY r.id`, groupID)
}

func (s *sqliteStore) GetRecipients(ctx context.Context, ids []string) ([]notification.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryRecipients(ctx,
		`SELECT id, role, name, email, phone FROM recipients WHERE id IN (`+placeholders(len(args))+`) ORDER BY id`, args...)
}

func (s *sqliteStore) queryRecipients(ctx context.Context, q string, args ...any) ([]notification.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Recipient
	for rows.Next() {
		var (
			r                  notification.Recipient
			role               string
			name, email, phone sql.NullString
		)
		if err := rows.Scan(&r.ID, &role, &name, &email, &phone); err != nil {
			return nil, err
		}
		r.Role = notification.Role(role)
		r.Name, r.Email, r.Phone = name.String, email.String, phone.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
