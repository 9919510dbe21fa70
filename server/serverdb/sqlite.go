package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	balance_sats INTEGER NOT NULL DEFAULT 0 CHECK (balance_sats >= 0),
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY,
	login TEXT UNIQUE NOT NULL,
	password TEXT NOT NULL,
	access_token TEXT UNIQUE NOT NULL,
	lightning_address TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	external_uid INTEGER NOT NULL DEFAULT -1,
	payment_hash TEXT UNIQUE NOT NULL,
	ante_sats INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'active', 'playing', 'ended')),
	created_at INTEGER NOT NULL,
	ended_at INTEGER
);

CREATE TABLE IF NOT EXISTS games (
	id INTEGER PRIMARY KEY,
	session_id INTEGER NOT NULL UNIQUE REFERENCES sessions(id),
	char_name TEXT NOT NULL DEFAULT '',
	death_reason TEXT NOT NULL DEFAULT '',
	score INTEGER NOT NULL DEFAULT 0,
	turns INTEGER NOT NULL DEFAULT 0,
	ascended INTEGER NOT NULL DEFAULT 0,
	payout_sats INTEGER,
	payout_ref TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	race TEXT NOT NULL DEFAULT '',
	gender TEXT NOT NULL DEFAULT '',
	align TEXT NOT NULL DEFAULT '',
	deathlev INTEGER NOT NULL DEFAULT 0,
	hp INTEGER NOT NULL DEFAULT 0,
	maxhp INTEGER NOT NULL DEFAULT 0,
	conduct TEXT NOT NULL DEFAULT '',
	achieve TEXT NOT NULL DEFAULT '',
	ended_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_payment_hash ON sessions(payment_hash);
CREATE INDEX IF NOT EXISTS idx_sessions_external_uid ON sessions(external_uid);
CREATE INDEX IF NOT EXISTS idx_games_session_id ON games(session_id);
CREATE INDEX IF NOT EXISTS idx_games_ascended ON games(ascended);
`

// SQLiteDB implements ServerDB on a single SQLite file.
type SQLiteDB struct {
	db *sql.DB
}

var _ ServerDB = (*SQLiteDB)(nil)

// sqliteDSN builds the connection string for the modernc driver, which
// takes pragmas as repeated _pragma=name(value) query parameters. WAL and
// the busy timeout are what let concurrent activations serialize instead
// of failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	return filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
}

// NewSQLiteDB opens (creating if needed) the ledger at path and seeds the
// pot row with seed sats when the table is new.
func NewSQLiteDB(path string, seed int64) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO pot (id, balance_sats, updated_at) VALUES (1, ?, ?)`,
		seed, nowMillis(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed pot: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

const sessionCols = `id, login, password, access_token, lightning_address,
	email, external_uid, payment_hash, ante_sats, status, created_at, ended_at`

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var status string
	var created int64
	var ended sql.NullInt64
	err := row.Scan(&sess.ID, &sess.Login, &sess.Password, &sess.AccessToken,
		&sess.LightningAddress, &sess.Email, &sess.ExternalUID, &sess.PaymentHash,
		&sess.AnteSats, &status, &created, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = fromMillis(created)
	if ended.Valid {
		sess.EndedAt = fromMillis(ended.Int64)
	}
	return &sess, nil
}

func (s *SQLiteDB) CreateSession(ctx context.Context, ns *NewSession) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (login, password, access_token, lightning_address,
			email, payment_hash, ante_sats, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		ns.Login, ns.Password, ns.AccessToken, ns.LightningAddress,
		ns.Email, ns.PaymentHash, ns.AnteSats, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteDB) Session(ctx context.Context, id int64) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
}

func (s *SQLiteDB) SessionByPaymentHash(ctx context.Context, hash string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE payment_hash = ?`, hash))
}

func (s *SQLiteDB) SessionByLogin(ctx context.Context, login string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE login = ?`, login))
}

func (s *SQLiteDB) SessionByExternalUID(ctx context.Context, uid int64) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE external_uid = ? AND status IN ('active', 'playing')`, uid))
}

func (s *SQLiteDB) SetExternalUID(ctx context.Context, id, uid int64) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET external_uid = ? WHERE id = ?`, uid, id)
}

func (s *SQLiteDB) SetLightningAddress(ctx context.Context, id int64, addr string) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET lightning_address = ? WHERE id = ?`, addr, id)
}

func (s *SQLiteDB) updateSession(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteDB) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status IN ('active', 'playing')`).Scan(&n)
	return n, err
}

func (s *SQLiteDB) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE status IN ('active', 'playing') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var status string
		var created int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Login, &sess.Password, &sess.AccessToken,
			&sess.LightningAddress, &sess.Email, &sess.ExternalUID, &sess.PaymentHash,
			&sess.AnteSats, &status, &created, &ended); err != nil {
			return nil, err
		}
		sess.Status = SessionStatus(status)
		sess.CreatedAt = fromMillis(created)
		if ended.Valid {
			sess.EndedAt = fromMillis(ended.Int64)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) MarkSessionPlaying(ctx context.Context, id int64) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET status = 'playing'
		 WHERE id = ? AND status IN ('active', 'playing')`, id)
}

func (s *SQLiteDB) MarkSessionEnded(ctx context.Context, id int64) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET status = 'ended', ended_at = COALESCE(ended_at, ?) WHERE id = ?`,
		nowMillis(), id)
}

// ActivateSession is the idempotent confirmation step: the conditional
// UPDATE is the mutual-exclusion point, and the pot credit rides in the
// same transaction so no interleaving can credit twice or credit without
// the transition.
func (s *SQLiteDB) ActivateSession(ctx context.Context, id, ante int64) (bool, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'active' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if n == 0 {
		// Already active/playing/ended; report without side effects.
		return false, 0, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pot SET balance_sats = balance_sats + ?, updated_at = ? WHERE id = 1`,
		ante, nowMillis()); err != nil {
		return false, 0, err
	}
	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance_sats FROM pot WHERE id = 1`).Scan(&balance); err != nil {
		return false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, balance, nil
}

func (s *SQLiteDB) PotBalance(ctx context.Context) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_sats FROM pot WHERE id = 1`).Scan(&balance)
	return balance, err
}

func (s *SQLiteDB) AddToPot(ctx context.Context, sats int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE pot SET balance_sats = balance_sats + ?, updated_at = ? WHERE id = 1`,
		sats, nowMillis()); err != nil {
		return 0, err
	}
	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance_sats FROM pot WHERE id = 1`).Scan(&balance); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// DrainPot is the payout mutual-exclusion point: two concurrent drains
// cannot both observe the same positive balance.
func (s *SQLiteDB) DrainPot(ctx context.Context, floor int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance_sats FROM pot WHERE id = 1`).Scan(&balance); err != nil {
		return 0, err
	}
	// An empty pot has nothing to drain; resetting it to the floor here
	// would mint sats on a payout the caller is about to abort.
	if balance > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pot SET balance_sats = ?, updated_at = ? WHERE id = 1`,
			floor, nowMillis()); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *SQLiteDB) SetPot(ctx context.Context, sats int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pot SET balance_sats = ?, updated_at = ? WHERE id = 1`,
		sats, nowMillis())
	return err
}

func (s *SQLiteDB) CreateGame(ctx context.Context, g *GameOutcome) (int64, error) {
	var payout sql.NullInt64
	if g.PayoutSats != nil {
		payout = sql.NullInt64{Int64: *g.PayoutSats, Valid: true}
	}
	endedAt := g.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO games (session_id, char_name, death_reason, score, turns,
			ascended, payout_sats, payout_ref, role, race, gender, align,
			deathlev, hp, maxhp, conduct, achieve, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.SessionID, g.CharName, g.DeathReason, g.Score, g.Turns,
		g.Ascended, payout, g.PayoutRef, g.Role, g.Race, g.Gender, g.Align,
		g.DeathLev, g.HP, g.MaxHP, g.Conduct, g.Achieve, endedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: games.session_id") {
			return 0, ErrDuplicateGame
		}
		return 0, fmt.Errorf("create game: %w", err)
	}
	return res.LastInsertId()
}

const gameCols = `g.id, g.session_id, s.login, g.char_name, g.death_reason,
	g.score, g.turns, g.ascended, g.payout_sats, g.payout_ref, g.role, g.race,
	g.gender, g.align, g.deathlev, g.hp, g.maxhp, g.conduct, g.achieve, g.ended_at`

func (s *SQLiteDB) queryGames(ctx context.Context, query string, args ...any) ([]GameOutcome, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GameOutcome
	for rows.Next() {
		var g GameOutcome
		var payout sql.NullInt64
		var ended int64
		if err := rows.Scan(&g.ID, &g.SessionID, &g.Login, &g.CharName, &g.DeathReason,
			&g.Score, &g.Turns, &g.Ascended, &payout, &g.PayoutRef, &g.Role, &g.Race,
			&g.Gender, &g.Align, &g.DeathLev, &g.HP, &g.MaxHP, &g.Conduct, &g.Achieve,
			&ended); err != nil {
			return nil, err
		}
		if payout.Valid {
			v := payout.Int64
			g.PayoutSats = &v
		}
		g.EndedAt = fromMillis(ended)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) RecentGames(ctx context.Context, limit int) ([]GameOutcome, error) {
	return s.queryGames(ctx,
		`SELECT `+gameCols+` FROM games g JOIN sessions s ON g.session_id = s.id
		 ORDER BY g.ended_at DESC LIMIT ?`, limit)
}

func (s *SQLiteDB) Leaderboard(ctx context.Context, limit int) ([]GameOutcome, error) {
	return s.queryGames(ctx,
		`SELECT `+gameCols+` FROM games g JOIN sessions s ON g.session_id = s.id
		 ORDER BY g.score DESC LIMIT ?`, limit)
}

func (s *SQLiteDB) Ascensions(ctx context.Context) ([]GameOutcome, error) {
	return s.queryGames(ctx,
		`SELECT `+gameCols+` FROM games g JOIN sessions s ON g.session_id = s.id
		 WHERE g.ascended = 1 ORDER BY g.ended_at DESC`)
}

func (s *SQLiteDB) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var high, avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN ascended THEN 1 ELSE 0 END), 0),
			MAX(score), AVG(score)
		 FROM games`).Scan(&st.TotalGames, &st.TotalAscensions, &high, &avg)
	if err != nil {
		return nil, err
	}
	if high.Valid {
		st.HighScore = int64(high.Float64)
	}
	if avg.Valid {
		st.AvgScore = avg.Float64
	}
	return &st, nil
}
