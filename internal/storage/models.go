package storage

import "time"

// ChatSettings is the per-chat moderation configuration. One row per chat,
// created lazily on first interaction and mutated only via admin commands.
type ChatSettings struct {
	ChatID          int64
	Type            string
	Title           string
	RequiredChannel string // empty = subscription gate off
	WarnLimit       int
	MuteMinutes     int
	SlowmodeSeconds int
	FilterProfanity bool
	FilterLinks     bool
	FilterMentions  bool
	MentionAllowRaw string // JSON array of allowed @usernames
	AllowMedia      bool
	AllowGif        bool
	AllowStickers   bool
	AllowVoice      bool
	RulesText       string
	CreatedAt       time.Time
}

// MemberState is the per-(chat,user) moderation state. Warns and punishment
// fields are mutated only through the ledger.
type MemberState struct {
	ChatID        int64
	UserID        int64
	Username      string
	Warns         int
	MutedUntil    *time.Time
	Banned        bool
	LastSubCheck  *time.Time
	LastSubOK     bool
	LastMessageAt *time.Time
	UpdatedAt     time.Time
}

// WarningRecord is one issued warning. Append-only, never deleted.
type WarningRecord struct {
	ID        int64
	ChatID    int64
	UserID    int64
	IssuerID  int64
	Reason    string
	CreatedAt time.Time
}

// AuditEntry is one row of the append-only moderation log.
// ActorID 0 means the bot acted on its own (filters, auto-mute, sweeps).
type AuditEntry struct {
	ID        int64
	ChatID    int64
	ActorID   int64
	TargetID  int64
	Action    string
	Detail    string
	CreatedAt time.Time
}
