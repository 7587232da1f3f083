// Package model defines the data structures shared across the ingest pipeline:
// upload events, global games, players, replays and the uploader-supplied
// metadata bundle.
package model

import (
	"time"
)

// UploadEventType identifies the kind of file behind an upload event.
type UploadEventType int

const (
	UploadEventTypePowerLog  UploadEventType = 1
	UploadEventTypeOutputTxt UploadEventType = 2
	UploadEventTypeReplayXML UploadEventType = 3
)

// Extension returns the file extension used in object storage keys for
// this upload type.
func (t UploadEventType) Extension() string {
	switch t {
	case UploadEventTypePowerLog:
		return ".power.log"
	case UploadEventTypeOutputTxt:
		return ".output.txt"
	case UploadEventTypeReplayXML:
		return ".hsreplay.xml"
	default:
		return ".txt"
	}
}

// UploadEventStatus is the processing state of an upload event.
// Status only ever moves forward within one processing attempt;
// reprocessing resets it to Processing.
type UploadEventStatus int

const (
	StatusUnknown         UploadEventStatus = 0
	StatusProcessing      UploadEventStatus = 1
	StatusServerError     UploadEventStatus = 2
	StatusParsingError    UploadEventStatus = 3
	StatusSuccess         UploadEventStatus = 4
	StatusUnsupported     UploadEventStatus = 5
	StatusValidationError UploadEventStatus = 6
)

// String returns the canonical name of the status.
func (s UploadEventStatus) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusProcessing:
		return "PROCESSING"
	case StatusServerError:
		return "SERVER_ERROR"
	case StatusParsingError:
		return "PARSING_ERROR"
	case StatusSuccess:
		return "SUCCESS"
	case StatusUnsupported:
		return "UNSUPPORTED"
	case StatusValidationError:
		return "VALIDATION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsProcessing reports whether the event is still in flight.
func (s UploadEventStatus) IsProcessing() bool {
	return s == StatusUnknown || s == StatusProcessing
}

// UploadEvent is the durable record of an accepted upload. It exists
// independently of whether the underlying game has been parsed yet.
// Mutated exclusively by the processing stage.
type UploadEvent struct {
	ID        string            `json:"id" db:"id"`                 // ULID
	ShortID   string            `json:"shortid" db:"shortid"`       // unique 22-char token
	TokenKey  string            `json:"token" db:"token_key"`       // uploader auth token, may be empty
	APIKey    string            `json:"api_key" db:"api_key"`       // client API key, may be empty
	Type      UploadEventType   `json:"type" db:"type"`             // raw-log / output-text / replay-xml
	Status    UploadEventStatus `json:"status" db:"status"`         // processing state machine
	Tainted   bool              `json:"tainted" db:"tainted"`       // flagged by operators
	GameID    *int64            `json:"game_id" db:"game_id"`       // resulting GameReplay, set on SUCCESS
	UploadIP  string            `json:"upload_ip" db:"upload_ip"`   // source address from the descriptor
	Error     string            `json:"error" db:"error"`           // terminal error text
	Traceback string            `json:"traceback" db:"traceback"`   // full error trace
	Metadata  string            `json:"metadata" db:"metadata"`     // original client-supplied JSON, opaque
	FileKey   string            `json:"file_key" db:"file_key"`     // durable log location in object storage
	CreatedAt time.Time         `json:"created_at" db:"created_at"` // acceptance time
}

// GlobalGame is the canonical record of one real match, independent of
// how many viewers uploaded logs of it. At most one may exist per
// (build, game_type, game_handle, server address, server port) tuple
// within the deduplication time window.
type GlobalGame struct {
	ID            int64     `json:"id" db:"id"`
	GameHandle    string    `json:"game_handle" db:"game_handle"` // server-assigned, empty when unknown
	ServerAddress string    `json:"server_address" db:"server_address"`
	ServerPort    int       `json:"server_port" db:"server_port"`
	ServerVersion int       `json:"server_version" db:"server_version"`
	GameType      int       `json:"game_type" db:"game_type"`
	Format        int       `json:"format" db:"format"`
	Build         int       `json:"build" db:"build"`
	MatchStart    time.Time `json:"match_start" db:"match_start"`
	MatchEnd      time.Time `json:"match_end" db:"match_end"`
	LadderSeason  int       `json:"ladder_season" db:"ladder_season"`
	ScenarioID    int       `json:"scenario_id" db:"scenario_id"`
	NumEntities   int       `json:"num_entities" db:"num_entities"`
	NumTurns      int       `json:"num_turns" db:"num_turns"`
}

// GlobalGamePlayer is a per-player snapshot inside one global game.
// Unique per (game, player slot).
type GlobalGamePlayer struct {
	ID          int64  `json:"id" db:"id"`
	GameID      int64  `json:"game_id" db:"game_id"`
	PlayerID    int    `json:"player_id" db:"player_id"` // slot, 1 or 2
	Name        string `json:"name" db:"name"`
	RealName    string `json:"real_name" db:"real_name"`
	AccountHi   int64  `json:"account_hi" db:"account_hi"`
	AccountLo   int64  `json:"account_lo" db:"account_lo"`
	IsAI        bool   `json:"is_ai" db:"is_ai"`
	IsFirst     bool   `json:"is_first" db:"is_first"`
	HeroID      string `json:"hero_id" db:"hero_id"`
	HeroPremium bool   `json:"hero_premium" db:"hero_premium"`
	FinalState  int    `json:"final_state" db:"final_state"`
	DeckID      int64  `json:"deck_id" db:"deck_id"`
	Rank        *int   `json:"rank" db:"rank"` // uploader-supplied, optional
	LegendRank  *int   `json:"legend_rank" db:"legend_rank"`
	Stars       *int   `json:"stars" db:"stars"`
	Wins        *int   `json:"wins" db:"wins"`
	Losses      *int   `json:"losses" db:"losses"`
}

// GameReplay is one viewer's record of a global game, owned by the
// uploader or unclaimed. At most one replay per
// (game, friendly player slot, client handle) when the game is unified.
type GameReplay struct {
	ID               int64     `json:"id" db:"id"`
	ShortID          string    `json:"shortid" db:"shortid"`
	UserID           *int64    `json:"user_id" db:"user_id"` // nil while unclaimed
	GlobalGameID     int64     `json:"global_game_id" db:"global_game_id"`
	FriendlyPlayerID int       `json:"friendly_player_id" db:"friendly_player_id"`
	ClientHandle     string    `json:"client_handle" db:"client_handle"`
	SpectatorMode    bool      `json:"spectator_mode" db:"spectator_mode"`
	Reconnecting     bool      `json:"reconnecting" db:"reconnecting"`
	Resumable        *bool     `json:"resumable" db:"resumable"`
	Build            int       `json:"build" db:"build"`
	Visibility       int       `json:"visibility" db:"visibility"`
	ReplayKey        string    `json:"replay_key" db:"replay_key"`     // serialized output artifact location
	ReplayBytes      int64     `json:"replay_bytes" db:"replay_bytes"` // artifact size
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// PendingReplayOwnership defers attribution of a replay to an auth
// token that has not been claimed by a user yet. Resolved when the
// account-claim action runs.
type PendingReplayOwnership struct {
	ID       int64  `json:"id" db:"id"`
	ReplayID int64  `json:"replay_id" db:"replay_id"`
	TokenKey string `json:"token_key" db:"token_key"`
}

// Deck is a canonical card-id sequence shared by every replay that
// played it. Digest is derived from the sorted card list.
type Deck struct {
	ID     int64    `json:"id" db:"id"`
	Digest string   `json:"digest" db:"digest"`
	Cards  []string `json:"cards" db:"cards"`
}

// PlayerMetadata is the optional per-player block of the upload
// metadata bundle.
type PlayerMetadata struct {
	Rank       *int     `json:"rank,omitempty"`
	LegendRank *int     `json:"legend_rank,omitempty"`
	Stars      *int     `json:"stars,omitempty"`
	Wins       *int     `json:"wins,omitempty"`
	Losses     *int     `json:"losses,omitempty"`
	Deck       []string `json:"deck,omitempty"`
	Cardback   *int     `json:"cardback,omitempty"`
}

// RankedSeasonStats carries the uploader-declared ladder season.
type RankedSeasonStats struct {
	Season int `json:"season"`
}

// StatsMetadata is the optional stats block of the upload metadata.
type StatsMetadata struct {
	Meta              *StatsMeta         `json:"meta,omitempty"`
	RankedSeasonStats *RankedSeasonStats `json:"ranked_season_stats,omitempty"`
}

// StatsMeta mirrors the client snapshot header.
type StatsMeta struct {
	Build int `json:"build"`
}

// UploadMetadata is the caller-supplied metadata bundle attached to an
// upload. All fields are optional unless noted; Build and MatchStart
// are required by the creation interface.
type UploadMetadata struct {
	ShortID        string          `json:"shortid,omitempty"`
	Build          int             `json:"build"`
	MatchStart     string          `json:"match_start"` // ISO-8601
	GameType       int             `json:"game_type,omitempty"`
	Format         int             `json:"format,omitempty"`
	FriendlyPlayer int             `json:"friendly_player,omitempty"` // 1 or 2
	QueueTime      int             `json:"queue_time,omitempty"`
	ClientHandle   string          `json:"client_handle,omitempty"`
	GameHandle     string          `json:"game_handle,omitempty"`
	ServerIP       string          `json:"server_ip,omitempty"`
	ServerPort     int             `json:"server_port,omitempty"`
	ServerVersion  int             `json:"server_version,omitempty"`
	ScenarioID     int             `json:"scenario_id,omitempty"`
	SpectatorMode  bool            `json:"spectator_mode,omitempty"`
	Reconnecting   bool            `json:"reconnecting,omitempty"`
	Resumable      *bool           `json:"resumable,omitempty"`
	Player1        *PlayerMetadata `json:"player1,omitempty"`
	Player2        *PlayerMetadata `json:"player2,omitempty"`
	Stats          *StatsMetadata  `json:"stats,omitempty"`
}

// Player returns the metadata block for the given player slot, or nil.
func (m *UploadMetadata) Player(slot int) *PlayerMetadata {
	switch slot {
	case 1:
		return m.Player1
	case 2:
		return m.Player2
	default:
		return nil
	}
}

// EligibleForUnification reports whether the metadata carries both the
// server-assigned and the client-assigned handle. Absent either, every
// upload unconditionally creates a new global game.
func (m *UploadMetadata) EligibleForUnification() bool {
	return m.GameHandle != "" && m.ClientHandle != ""
}

// GatewayHeaders is the auth context forwarded by the upload gateway.
type GatewayHeaders struct {
	Authorization string `json:"Authorization"`
	XAPIKey       string `json:"X-Api-Key"`
}

// DescriptorEvent captures the gateway request context of the original
// staging call.
type DescriptorEvent struct {
	Path string `json:"path"`
}

// Descriptor is the JSON metadata sidecar written next to a raw log.
// It is written once at staging time and read by the ingestion stage.
type Descriptor struct {
	ShortID        string          `json:"shortid"`
	SourceIP       string          `json:"source_ip"`
	GatewayHeaders GatewayHeaders  `json:"gateway_headers"`
	UploadMetadata UploadMetadata  `json:"upload_metadata"`
	Event          DescriptorEvent `json:"event"`
}
