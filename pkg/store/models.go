package store

import (
	"time"

	"github.com/official-monty/montytest/pkg/spsa"
	"github.com/official-monty/montytest/pkg/stats"
)

// Run statuses.
const (
	StatusNew      = "new"
	StatusApproved = "approved"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// Run verdicts, set once a run is finished.
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
	VerdictUnknown  = "unknown"
	VerdictManual   = "manually_stopped"
)

// StopKind selects the stopping rule of a run.
type StopKind string

const (
	// StopSPRT stops on a sequential probability ratio test verdict.
	StopSPRT StopKind = "sprt"

	// StopFixed stops once the requested number of games is played.
	StopFixed StopKind = "fixed"

	// StopSPSA tunes engine parameters until the game budget is played.
	StopSPSA StopKind = "spsa"
)

// StopRule is a tagged variant describing when a run finishes.
type StopRule struct {
	Kind StopKind     `json:"kind"`
	SPRT *SPRT        `json:"sprt,omitempty"`
	SPSA *spsa.Config `json:"spsa,omitempty"`
}

// SPRT holds the sequential test parameters of a run.
type SPRT struct {
	stats.SPRTParams

	// BatchSize is the number of game pairs a worker plays between reports.
	BatchSize int `json:"batch_size,omitempty"`
}

// RunArgs are the immutable test parameters of a run.
type RunArgs struct {
	NewTag      string   `json:"new_tag"`
	BaseTag     string   `json:"base_tag"`
	NewOptions  string   `json:"new_options,omitempty"`
	BaseOptions string   `json:"base_options,omitempty"`
	Book        string   `json:"book"`
	BookDepth   int      `json:"book_depth,omitempty"`
	TC          string   `json:"tc"`
	Threads     int      `json:"threads"`
	NumGames    int      `json:"num_games"`
	Priority    int      `json:"priority"`
	Throughput  int      `json:"throughput,omitempty"`
	Platforms   []string `json:"platforms,omitempty"`
	MinThreads  int      `json:"min_threads,omitempty"`
	MaxThreads  int      `json:"max_threads,omitempty"`
	Info        string   `json:"info,omitempty"`
	// Datagen makes workers generate training data instead of playing a
	// match. Only fixed-games runs may set it.
	Datagen     bool     `json:"datagen,omitempty"`
	Stop        StopRule `json:"stop"`
}

// WorkerInfo describes the capabilities a worker reported when it was
// assigned a task.
type WorkerInfo struct {
	Username    string `json:"username,omitempty"`
	Platform    string `json:"platform"`
	Concurrency int    `json:"concurrency"`
	Version     string `json:"version,omitempty"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
}

// Task is a bounded chunk of games owned by a run.
type Task struct {
	ID          int        `json:"id"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Worker      WorkerInfo `json:"worker"`
	NumGames    int        `json:"num_games"`
	Results     Results    `json:"results"`
	LastSeq     int64      `json:"last_seq"`
	Active      bool       `json:"active"`
	Purged      bool       `json:"purged,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	LastUpdated time.Time  `json:"last_updated"`
	PGNKey      string     `json:"pgn_key,omitempty"`

	// SPSA is the perturbation handed out for the games in flight.
	SPSA *spsa.Perturbation `json:"spsa,omitempty"`
}

// Run is a single patch-versus-baseline test. The whole record, including
// its task list, is the unit of atomic update.
type Run struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	Username   string         `gorm:"index" json:"username"`
	Status     string         `gorm:"index;not null" json:"status"`
	Priority   int            `gorm:"index" json:"priority"`
	Verdict    string         `json:"verdict,omitempty"`
	Args       RunArgs        `gorm:"serializer:json;type:text" json:"args"`
	Results    Results        `gorm:"serializer:json;type:text" json:"results"`
	Tasks      []Task         `gorm:"serializer:json;type:text" json:"tasks"`
	FinalStats *stats.Summary `gorm:"serializer:json;type:text" json:"final_stats,omitempty"`
	SPSA       *spsa.State    `gorm:"serializer:json;type:text" json:"spsa,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Version    int64          `gorm:"not null;default:0" json:"version"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
