package serverdb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrDuplicateGame = errors.New("session already has a recorded game")
)

// SessionStatus is the session lifecycle state. Transitions are monotonic:
// pending -> active -> (playing) -> ended, never backward.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusActive  SessionStatus = "active"
	StatusPlaying SessionStatus = "playing"
	StatusEnded   SessionStatus = "ended"
)

// Playable reports whether the session is in a state that allows shell
// access and outcome correlation.
func (s SessionStatus) Playable() bool {
	return s == StatusActive || s == StatusPlaying
}

// Session is one play attempt. Rows are never deleted; ended sessions
// remain as the audit trail.
type Session struct {
	ID               int64
	Login            string
	Password         string
	AccessToken      string
	LightningAddress string
	Email            string
	ExternalUID      int64 // OS uid bound at provisioning; -1 until set
	PaymentHash      string
	AnteSats         int64
	Status           SessionStatus
	CreatedAt        time.Time
	EndedAt          time.Time // zero until ended
}

// NewSession carries the fields set at invoice issuance.
type NewSession struct {
	Login            string
	Password         string
	AccessToken      string
	PaymentHash      string
	AnteSats         int64
	LightningAddress string
	Email            string
}

// GameOutcome is one completed attempt, attached to its session. At most
// one outcome exists per session.
type GameOutcome struct {
	ID          int64
	SessionID   int64
	Login       string // denormalized for listings
	CharName    string
	DeathReason string
	Score       int64
	Turns       int64
	Ascended    bool
	PayoutSats  *int64 // nil when no payout happened
	PayoutRef   string
	Role        string
	Race        string
	Gender      string
	Align       string
	DeathLev    int
	HP          int
	MaxHP       int
	Conduct     string
	Achieve     string
	EndedAt     time.Time
}

// Stats is the aggregate games summary.
type Stats struct {
	TotalGames      int64
	TotalAscensions int64
	HighScore       int64
	AvgScore        float64
}

// ServerDB is the durable ledger for sessions, outcomes, and the shared
// pot. It is the sole writer of persisted state; ActivateSession and
// DrainPot are the only safe mutation points for money-affecting state
// and must execute as single indivisible operations.
type ServerDB interface {
	CreateSession(ctx context.Context, s *NewSession) (int64, error)
	Session(ctx context.Context, id int64) (*Session, error)
	SessionByPaymentHash(ctx context.Context, hash string) (*Session, error)
	SessionByLogin(ctx context.Context, login string) (*Session, error)
	// SessionByExternalUID resolves the one active or playing session
	// bound to an OS uid; ended sessions never match.
	SessionByExternalUID(ctx context.Context, uid int64) (*Session, error)
	SetExternalUID(ctx context.Context, id, uid int64) error
	SetLightningAddress(ctx context.Context, id int64, addr string) error
	CountActiveSessions(ctx context.Context) (int, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	// MarkSessionPlaying transitions active->playing when a terminal
	// attaches. Calling it again while playing is a no-op; ended and
	// pending sessions are rejected.
	MarkSessionPlaying(ctx context.Context, id int64) error
	// MarkSessionEnded is terminal; the ended_at timestamp is set on the
	// first transition only.
	MarkSessionEnded(ctx context.Context, id int64) error
	// ActivateSession transitions pending->active and credits the pot by
	// ante in one transaction. It reports whether this call performed the
	// transition; false means some other caller got there first and no
	// state changed.
	ActivateSession(ctx context.Context, id, ante int64) (activated bool, potBalance int64, err error)

	PotBalance(ctx context.Context) (int64, error)
	AddToPot(ctx context.Context, sats int64) (int64, error)
	// DrainPot captures the current balance and resets it to floor in one
	// transaction, returning the pre-drain balance. A non-positive
	// balance is returned as is with the pot left untouched.
	DrainPot(ctx context.Context, floor int64) (int64, error)
	SetPot(ctx context.Context, sats int64) error

	CreateGame(ctx context.Context, g *GameOutcome) (int64, error)
	RecentGames(ctx context.Context, limit int) ([]GameOutcome, error)
	Leaderboard(ctx context.Context, limit int) ([]GameOutcome, error)
	Ascensions(ctx context.Context) ([]GameOutcome, error)
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
