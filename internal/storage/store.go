package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"promobot/internal/admission"
	"promobot/internal/ads"
	"promobot/internal/audit"
	logx "promobot/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store is the SQL-backed persistence layer. A nil *Store reports
// ErrDisabled from every method.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

// Open initializes the configured store and applies migrations.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		d = dialectSQLite
		db, err = openSQLite(cfg)
	case "postgres", "postgresql", "pgx":
		d = dialectPostgres
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("postgres dsn is required")
		}
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage ping: %w", err)
	}
	if err := migrateUp(db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", d.String()))
	return newStore(db, d, log), nil
}

func newStore(db *sql.DB, d dialect, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, dialect: d, log: log}
}

func openSQLite(cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	return db, nil
}

func migrateUp(db *sql.DB, d dialect) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+d.String())
	if err != nil {
		return err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	defer src.Close()

	var drv database.Driver
	switch d {
	case dialectPostgres:
		drv, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		return err
	}
	// Not closing m: its database driver would close db.
	m, err := migrate.NewWithInstance("iofs", src, d.String(), drv)
	if err != nil {
		return err
	}
	if _, dirty, err := m.Version(); err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	} else if dirty {
		return errors.New("database is in dirty state")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *Store) MarkPublished(ctx context.Context, tenant, adID string, fp ads.Fingerprint, at time.Time) error {
	return s.putStatus(ctx, tenant, adID, ads.StatusPublished, fp, at)
}

func (s *Store) MarkExpired(ctx context.Context, tenant, adID string, fp ads.Fingerprint, at time.Time) error {
	return s.putStatus(ctx, tenant, adID, ads.StatusExpired, fp, time.Time{})
}

// putStatus upserts the row. A zero publishedAt keeps the stored value.
func (s *Store) putStatus(ctx context.Context, tenant, adID string, st ads.Status, fp ads.Fingerprint, publishedAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var pub int64
	if !publishedAt.IsZero() {
		pub = publishedAt.UnixMilli()
	}
	_, err := s.exec(ctx,
		`INSERT INTO ad_status(tenant, ad_id, status, fingerprint, published_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant, ad_id) DO UPDATE SET
		   status = excluded.status,
		   fingerprint = excluded.fingerprint,
		   published_at = CASE WHEN excluded.published_at > 0 THEN excluded.published_at ELSE ad_status.published_at END,
		   updated_at = excluded.updated_at`,
		tenant, adID, string(st), fp.String(), pub, time.Now().UnixMilli(),
	)
	return err
}

// ForgetStatus drops the persisted status of an ad removed from settings.
func (s *Store) ForgetStatus(ctx context.Context, tenant, adID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.exec(ctx, `DELETE FROM ad_status WHERE tenant = ? AND ad_id = ?`, tenant, adID)
	return err
}

func (s *Store) LoadStatuses(ctx context.Context) ([]StatusRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, `SELECT tenant, ad_id, status, fingerprint, published_at, updated_at FROM ad_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var (
			r        StatusRow
			st, fp   string
			pub, upd int64
		)
		if err := rows.Scan(&r.Tenant, &r.AdID, &st, &fp, &pub, &upd); err != nil {
			return nil, err
		}
		r.Status = ads.Status(st)
		if fp != "" {
			if r.Fingerprint, err = ads.ParseFingerprint(fp); err != nil {
				s.log.Warn("bad stored fingerprint", logx.String("ad", r.AdID), logx.Err(err))
			}
		}
		r.PublishedAt = fromMillis(pub)
		r.UpdatedAt = fromMillis(upd)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveDelivery(ctx context.Context, rec admission.Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.exec(ctx,
		`INSERT INTO deliveries(tenant, ad_id, channel, fingerprint, message_ref, sent_at) VALUES(?,?,?,?,?,?)`,
		rec.Tenant, rec.AdID, rec.Channel, rec.Fingerprint.String(), rec.MessageRef, rec.SentAt.UnixMilli(),
	)
	return err
}

// LoadDeliveries returns deliveries sent after since, oldest first.
func (s *Store) LoadDeliveries(ctx context.Context, since time.Time) ([]admission.Record, error) {
	return s.loadDeliveries(ctx,
		`SELECT tenant, ad_id, channel, fingerprint, message_ref, sent_at FROM deliveries WHERE sent_at > ? ORDER BY sent_at`,
		since.UnixMilli())
}

// DeliveriesFor returns every stored delivery of one ad, oldest first.
func (s *Store) DeliveriesFor(ctx context.Context, tenant, adID string) ([]admission.Record, error) {
	return s.loadDeliveries(ctx,
		`SELECT tenant, ad_id, channel, fingerprint, message_ref, sent_at FROM deliveries WHERE tenant = ? AND ad_id = ? ORDER BY sent_at`,
		tenant, adID)
}

func (s *Store) loadDeliveries(ctx context.Context, q string, args ...any) ([]admission.Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []admission.Record
	for rows.Next() {
		var (
			r    admission.Record
			fp   string
			sent int64
		)
		if err := rows.Scan(&r.Tenant, &r.AdID, &r.Channel, &fp, &r.MessageRef, &sent); err != nil {
			return nil, err
		}
		r.Fingerprint, _ = ads.ParseFingerprint(fp)
		r.SentAt = fromMillis(sent)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneDeliveries deletes deliveries and audit entries older than before.
func (s *Store) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := before.UnixMilli()
	res, err := s.exec(ctx, `DELETE FROM deliveries WHERE sent_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := s.exec(ctx, `DELETE FROM audit WHERE at < ?`, cutoff); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, run_id, tenant, ad_id, channel, action, detail) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.RunID, e.Tenant, e.AdID, e.Channel, string(e.Action), e.Detail,
	)
	return err
}

// RecentAudit returns up to limit entries of one tenant, newest first.
func (s *Store) RecentAudit(ctx context.Context, tenant string, limit int) ([]audit.Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.query(ctx,
		`SELECT at, run_id, tenant, ad_id, channel, action, detail FROM audit WHERE tenant = ? ORDER BY at DESC, id DESC LIMIT ?`,
		tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			at     int64
			action string
		)
		if err := rows.Scan(&at, &e.RunID, &e.Tenant, &e.AdID, &e.Channel, &action, &e.Detail); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		e.Action = audit.Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
