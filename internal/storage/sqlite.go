package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"autoflow/internal/task"
	logx "autoflow/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, keep: cfg.RunHistory, pruneEvery: 200}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
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

// unavailable marks driver failures so callers can tell them from NotFound.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", task.ErrStoreUnavailable, err)
}

const taskColumns = `id, name, script, kind, enabled, cron, window_start, window_end, timezone, timeout_ms, last_run, last_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                          task.Task
		script, kind               string
		enabled                    int
		cron, ws, we, tz, lastStat sql.NullString
		timeoutMs                  int64
		lastRun                    sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.Name, &script, &kind, &enabled, &cron, &ws, &we, &tz, &timeoutMs, &lastRun, &lastStat); err != nil {
		return task.Task{}, err
	}
	t.Script = task.ResolveScriptRef(script, kind)
	t.Enabled = enabled != 0
	t.Schedule = task.Schedule{Cron: cron.String, WindowStart: ws.String, WindowEnd: we.String}
	t.Timezone = tz.String
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if lastRun.Valid {
		t.LastRun = time.UnixMilli(lastRun.Int64)
	}
	t.LastStatus = task.Outcome(lastStat.String)
	return t, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, notFound(id)
	}
	if err != nil {
		return task.Task{}, unavailable(err)
	}
	return t, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]task.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

func (s *sqliteStore) ListEnabled(ctx context.Context) ([]task.Task, error) {
	return s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE enabled = 1 ORDER BY id`)
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, t)
	}
	return out, unavailable(rows.Err())
}

// Put upserts the definition. Run state (last_run, last_status) is kept.
func (s *sqliteStore) Put(ctx context.Context, t task.Task) error {
	if err := validate(t); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, name, script, kind, enabled, cron, window_start, window_end, timezone, timeout_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, script=excluded.script, kind=excluded.kind, enabled=excluded.enabled,
		   cron=excluded.cron, window_start=excluded.window_start, window_end=excluded.window_end,
		   timezone=excluded.timezone, timeout_ms=excluded.timeout_ms`,
		t.ID, t.Name, t.Script.Location, string(t.Script.Kind), boolInt(t.Enabled),
		nullStr(t.Schedule.Cron), nullStr(t.Schedule.WindowStart), nullStr(t.Schedule.WindowEnd),
		nullStr(t.Timezone), t.Timeout.Milliseconds(),
	)
	return unavailable(err)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE task_id = ?`, id)
	return unavailable(err)
}

func (s *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) (task.Task, error) {
	if err := s.update(ctx, `UPDATE tasks SET enabled = ? WHERE id = ?`, id, boolInt(enabled), id); err != nil {
		return task.Task{}, err
	}
	return s.Get(ctx, id)
}

func (s *sqliteStore) SetLastRun(ctx context.Context, id string, at time.Time, status task.Outcome) error {
	return s.update(ctx, `UPDATE tasks SET last_run = ?, last_status = ? WHERE id = ?`, id, at.UnixMilli(), string(status), id)
}

func (s *sqliteStore) update(ctx context.Context, q, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(execution_id, task_id, source, outcome, started_at, duration_ms, exit_code, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ExecutionID, r.TaskID, string(r.Source), string(r.Outcome),
		r.StartedAt.UnixMilli(), r.DurationMs, r.ExitCode, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return unavailable(err)
}

func (s *sqliteStore) Runs(ctx context.Context, taskID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, task_id, source, outcome, started_at, duration_ms, exit_code, err
		 FROM runs WHERE task_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			src     string
			outcome string
			started int64
			msg     sql.NullString
		)
		if err := rows.Scan(&r.ExecutionID, &r.TaskID, &src, &outcome, &started, &r.DurationMs, &r.ExitCode, &msg); err != nil {
			return nil, unavailable(err)
		}
		r.Source = task.Source(src)
		r.Outcome = task.Outcome(outcome)
		r.StartedAt = time.UnixMilli(started)
		r.Error = msg.String
		out = append(out, r)
	}
	return out, unavailable(rows.Err())
}

// pruneRuns keeps the newest keep rows per task.
func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	if s.keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE rowid IN (
		   SELECT rowid FROM (
		     SELECT rowid, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY started_at DESC, rowid DESC) AS rn
		     FROM runs
		   ) WHERE rn > ?
		 )`, s.keep)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
