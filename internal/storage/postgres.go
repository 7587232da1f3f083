package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replaynet/replaynet-ingest-go/internal/model"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects to the database, verifies the connection and
// initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(connectCtx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Postgres{db: pool}, nil
}

func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS global_games (
		    id BIGSERIAL PRIMARY KEY,
		    game_handle TEXT NOT NULL DEFAULT '',
		    server_address TEXT NOT NULL DEFAULT '',
		    server_port INTEGER NOT NULL DEFAULT 0,
		    server_version INTEGER NOT NULL DEFAULT 0,
		    game_type INTEGER NOT NULL DEFAULT 0,
		    format INTEGER NOT NULL DEFAULT 0,
		    build INTEGER NOT NULL,
		    match_start TIMESTAMP WITH TIME ZONE NOT NULL,
		    match_end TIMESTAMP WITH TIME ZONE NOT NULL,
		    ladder_season INTEGER NOT NULL DEFAULT 0,
		    scenario_id INTEGER NOT NULL DEFAULT 0,
		    num_entities INTEGER NOT NULL DEFAULT 0,
		    num_turns INTEGER NOT NULL DEFAULT 0
		);

		-- Candidate lookup for deduplication.
		CREATE INDEX IF NOT EXISTS idx_global_games_identity
		    ON global_games(build, game_type, game_handle, server_address, server_port, match_start);

		CREATE TABLE IF NOT EXISTS decks (
		    id BIGSERIAL PRIMARY KEY,
		    digest TEXT NOT NULL UNIQUE,
		    cards JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS global_game_players (
		    id BIGSERIAL PRIMARY KEY,
		    game_id BIGINT NOT NULL REFERENCES global_games(id) ON DELETE CASCADE,
		    player_id INTEGER NOT NULL,
		    name TEXT NOT NULL DEFAULT '',
		    real_name TEXT NOT NULL DEFAULT '',
		    account_hi BIGINT NOT NULL DEFAULT 0,
		    account_lo BIGINT NOT NULL DEFAULT 0,
		    is_ai BOOLEAN NOT NULL DEFAULT FALSE,
		    is_first BOOLEAN NOT NULL DEFAULT FALSE,
		    hero_id TEXT NOT NULL DEFAULT '',
		    hero_premium BOOLEAN NOT NULL DEFAULT FALSE,
		    final_state INTEGER NOT NULL DEFAULT 0,
		    deck_id BIGINT NOT NULL REFERENCES decks(id),
		    rank INTEGER,
		    legend_rank INTEGER,
		    stars INTEGER,
		    wins INTEGER,
		    losses INTEGER,
		    UNIQUE(game_id, player_id)
		);

		CREATE TABLE IF NOT EXISTS game_replays (
		    id BIGSERIAL PRIMARY KEY,
		    shortid TEXT NOT NULL UNIQUE,
		    user_id BIGINT,
		    global_game_id BIGINT NOT NULL REFERENCES global_games(id) ON DELETE CASCADE,
		    friendly_player_id INTEGER NOT NULL,
		    client_handle TEXT NOT NULL DEFAULT '',
		    spectator_mode BOOLEAN NOT NULL DEFAULT FALSE,
		    reconnecting BOOLEAN NOT NULL DEFAULT FALSE,
		    resumable BOOLEAN,
		    build INTEGER NOT NULL,
		    visibility INTEGER NOT NULL DEFAULT 0,
		    replay_key TEXT NOT NULL DEFAULT '',
		    replay_bytes BIGINT NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_game_replays_game
		    ON game_replays(global_game_id, friendly_player_id, client_handle);

		CREATE TABLE IF NOT EXISTS upload_events (
		    id TEXT PRIMARY KEY,
		    shortid TEXT NOT NULL UNIQUE,
		    token_key TEXT NOT NULL DEFAULT '',
		    api_key TEXT NOT NULL DEFAULT '',
		    type INTEGER NOT NULL,
		    status INTEGER NOT NULL DEFAULT 0,
		    tainted BOOLEAN NOT NULL DEFAULT FALSE,
		    game_id BIGINT REFERENCES game_replays(id) ON DELETE SET NULL,
		    upload_ip TEXT NOT NULL DEFAULT '',
		    error TEXT NOT NULL DEFAULT '',
		    traceback TEXT NOT NULL DEFAULT '',
		    metadata TEXT NOT NULL DEFAULT '',
		    file_key TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_upload_events_status ON upload_events(status);

		CREATE TABLE IF NOT EXISTS pending_replay_ownership (
		    id BIGSERIAL PRIMARY KEY,
		    replay_id BIGINT NOT NULL REFERENCES game_replays(id) ON DELETE CASCADE,
		    token_key TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_claims_token ON pending_replay_ownership(token_key);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) CreateUploadEvent(ctx context.Context, event *model.UploadEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO upload_events
	          (id, shortid, token_key, api_key, type, status, tainted, game_id, upload_ip, error, traceback, metadata, file_key, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := p.db.Exec(ctx, query,
		event.ID, event.ShortID, event.TokenKey, event.APIKey, int(event.Type), int(event.Status),
		event.Tainted, event.GameID, event.UploadIP, event.Error, event.Traceback,
		event.Metadata, event.FileKey, event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create upload event: %w", err)
	}
	return nil
}

const uploadEventColumns = `id, shortid, token_key, api_key, type, status, tainted, game_id, upload_ip, error, traceback, metadata, file_key, created_at`

func scanUploadEvent(row pgx.Row) (*model.UploadEvent, error) {
	var event model.UploadEvent
	var eventType, status int
	err := row.Scan(
		&event.ID, &event.ShortID, &event.TokenKey, &event.APIKey, &eventType, &status,
		&event.Tainted, &event.GameID, &event.UploadIP, &event.Error, &event.Traceback,
		&event.Metadata, &event.FileKey, &event.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan upload event: %w", err)
	}
	event.Type = model.UploadEventType(eventType)
	event.Status = model.UploadEventStatus(status)
	return &event, nil
}

func (p *Postgres) GetUploadEvent(ctx context.Context, id string) (*model.UploadEvent, error) {
	query := `SELECT ` + uploadEventColumns + ` FROM upload_events WHERE id = $1`
	return scanUploadEvent(p.db.QueryRow(ctx, query, id))
}

func (p *Postgres) GetUploadEventByShortID(ctx context.Context, shortid string) (*model.UploadEvent, error) {
	query := `SELECT ` + uploadEventColumns + ` FROM upload_events WHERE shortid = $1`
	return scanUploadEvent(p.db.QueryRow(ctx, query, shortid))
}

func (p *Postgres) UpdateUploadEvent(ctx context.Context, event *model.UploadEvent) error {
	query := `UPDATE upload_events
	          SET status = $1, tainted = $2, game_id = $3, error = $4, traceback = $5, file_key = $6
	          WHERE id = $7`
	result, err := p.db.Exec(ctx, query,
		int(event.Status), event.Tainted, event.GameID, event.Error, event.Traceback,
		event.FileKey, event.ID)
	if err != nil {
		return fmt.Errorf("update upload event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteUploadEvent(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM upload_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete upload event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateGlobalGame(ctx context.Context, game *model.GlobalGame) error {
	query := `INSERT INTO global_games
	          (game_handle, server_address, server_port, server_version, game_type, format, build,
	           match_start, match_end, ladder_season, scenario_id, num_entities, num_turns)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	          RETURNING id`
	err := p.db.QueryRow(ctx, query,
		game.GameHandle, game.ServerAddress, game.ServerPort, game.ServerVersion,
		game.GameType, game.Format, game.Build, game.MatchStart, game.MatchEnd,
		game.LadderSeason, game.ScenarioID, game.NumEntities, game.NumTurns).Scan(&game.ID)
	if err != nil {
		return fmt.Errorf("create global game: %w", err)
	}
	return nil
}

const globalGameColumns = `id, game_handle, server_address, server_port, server_version, game_type, format, build, match_start, match_end, ladder_season, scenario_id, num_entities, num_turns`

func scanGlobalGame(row pgx.Row) (*model.GlobalGame, error) {
	var game model.GlobalGame
	err := row.Scan(
		&game.ID, &game.GameHandle, &game.ServerAddress, &game.ServerPort, &game.ServerVersion,
		&game.GameType, &game.Format, &game.Build, &game.MatchStart, &game.MatchEnd,
		&game.LadderSeason, &game.ScenarioID, &game.NumEntities, &game.NumTurns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan global game: %w", err)
	}
	return &game, nil
}

func (p *Postgres) GetGlobalGame(ctx context.Context, id int64) (*model.GlobalGame, error) {
	query := `SELECT ` + globalGameColumns + ` FROM global_games WHERE id = $1`
	return scanGlobalGame(p.db.QueryRow(ctx, query, id))
}

func (p *Postgres) FindGlobalGames(ctx context.Context, filter GlobalGameFilter) ([]model.GlobalGame, error) {
	query := `SELECT ` + globalGameColumns + ` FROM global_games
	          WHERE build = $1 AND game_type = $2 AND game_handle = $3
	            AND server_address = $4 AND server_port = $5
	            AND match_start >= $6 AND match_start <= $7
	          ORDER BY id`
	rows, err := p.db.Query(ctx, query,
		filter.Build, filter.GameType, filter.GameHandle,
		filter.ServerAddress, filter.ServerPort,
		filter.MatchStartFrom, filter.MatchStartTo)
	if err != nil {
		return nil, fmt.Errorf("find global games: %w", err)
	}
	defer rows.Close()

	var games []model.GlobalGame
	for rows.Next() {
		game, err := scanGlobalGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *game)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate global games: %w", err)
	}
	return games, nil
}

func (p *Postgres) CreateGlobalGamePlayer(ctx context.Context, player *model.GlobalGamePlayer) error {
	query := `INSERT INTO global_game_players
	          (game_id, player_id, name, real_name, account_hi, account_lo, is_ai, is_first,
	           hero_id, hero_premium, final_state, deck_id, rank, legend_rank, stars, wins, losses)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	          RETURNING id`
	err := p.db.QueryRow(ctx, query,
		player.GameID, player.PlayerID, player.Name, player.RealName,
		player.AccountHi, player.AccountLo, player.IsAI, player.IsFirst,
		player.HeroID, player.HeroPremium, player.FinalState, player.DeckID,
		player.Rank, player.LegendRank, player.Stars, player.Wins, player.Losses).Scan(&player.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create global game player: %w", err)
	}
	return nil
}

func (p *Postgres) ListGlobalGamePlayers(ctx context.Context, gameID int64) ([]model.GlobalGamePlayer, error) {
	query := `SELECT id, game_id, player_id, name, real_name, account_hi, account_lo, is_ai, is_first,
	                 hero_id, hero_premium, final_state, deck_id, rank, legend_rank, stars, wins, losses
	          FROM global_game_players WHERE game_id = $1 ORDER BY player_id`
	rows, err := p.db.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("list global game players: %w", err)
	}
	defer rows.Close()

	var players []model.GlobalGamePlayer
	for rows.Next() {
		var player model.GlobalGamePlayer
		err := rows.Scan(
			&player.ID, &player.GameID, &player.PlayerID, &player.Name, &player.RealName,
			&player.AccountHi, &player.AccountLo, &player.IsAI, &player.IsFirst,
			&player.HeroID, &player.HeroPremium, &player.FinalState, &player.DeckID,
			&player.Rank, &player.LegendRank, &player.Stars, &player.Wins, &player.Losses)
		if err != nil {
			return nil, fmt.Errorf("scan global game player: %w", err)
		}
		players = append(players, player)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate global game players: %w", err)
	}
	return players, nil
}

func (p *Postgres) UpdateGlobalGamePlayer(ctx context.Context, player *model.GlobalGamePlayer) error {
	query := `UPDATE global_game_players
	          SET name = $1, real_name = $2, final_state = $3, rank = $4, legend_rank = $5,
	              stars = $6, wins = $7, losses = $8
	          WHERE id = $9`
	result, err := p.db.Exec(ctx, query,
		player.Name, player.RealName, player.FinalState, player.Rank, player.LegendRank,
		player.Stars, player.Wins, player.Losses, player.ID)
	if err != nil {
		return fmt.Errorf("update global game player: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateGameReplay(ctx context.Context, replay *model.GameReplay) error {
	if replay.CreatedAt.IsZero() {
		replay.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO game_replays
	          (shortid, user_id, global_game_id, friendly_player_id, client_handle, spectator_mode,
	           reconnecting, resumable, build, visibility, replay_key, replay_bytes, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	          RETURNING id`
	err := p.db.QueryRow(ctx, query,
		replay.ShortID, replay.UserID, replay.GlobalGameID, replay.FriendlyPlayerID,
		replay.ClientHandle, replay.SpectatorMode, replay.Reconnecting, replay.Resumable,
		replay.Build, replay.Visibility, replay.ReplayKey, replay.ReplayBytes,
		replay.CreatedAt).Scan(&replay.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create game replay: %w", err)
	}
	return nil
}

const gameReplayColumns = `id, shortid, user_id, global_game_id, friendly_player_id, client_handle, spectator_mode, reconnecting, resumable, build, visibility, replay_key, replay_bytes, created_at`

func scanGameReplay(row pgx.Row) (*model.GameReplay, error) {
	var replay model.GameReplay
	err := row.Scan(
		&replay.ID, &replay.ShortID, &replay.UserID, &replay.GlobalGameID,
		&replay.FriendlyPlayerID, &replay.ClientHandle, &replay.SpectatorMode,
		&replay.Reconnecting, &replay.Resumable, &replay.Build, &replay.Visibility,
		&replay.ReplayKey, &replay.ReplayBytes, &replay.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan game replay: %w", err)
	}
	return &replay, nil
}

func (p *Postgres) GetGameReplay(ctx context.Context, id int64) (*model.GameReplay, error) {
	query := `SELECT ` + gameReplayColumns + ` FROM game_replays WHERE id = $1`
	return scanGameReplay(p.db.QueryRow(ctx, query, id))
}

func (p *Postgres) GetGameReplayByShortID(ctx context.Context, shortid string) (*model.GameReplay, error) {
	query := `SELECT ` + gameReplayColumns + ` FROM game_replays WHERE shortid = $1`
	return scanGameReplay(p.db.QueryRow(ctx, query, shortid))
}

func (p *Postgres) UpdateGameReplay(ctx context.Context, replay *model.GameReplay) error {
	query := `UPDATE game_replays
	          SET user_id = $1, visibility = $2, replay_key = $3, replay_bytes = $4
	          WHERE id = $5`
	result, err := p.db.Exec(ctx, query,
		replay.UserID, replay.Visibility, replay.ReplayKey, replay.ReplayBytes, replay.ID)
	if err != nil {
		return fmt.Errorf("update game replay: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindReplays(ctx context.Context, filter ReplayFilter) ([]model.GameReplay, error) {
	query := `SELECT ` + gameReplayColumns + ` FROM game_replays
	          WHERE global_game_id = $1 AND friendly_player_id = $2 AND client_handle = $3
	          ORDER BY id`
	rows, err := p.db.Query(ctx, query, filter.GlobalGameID, filter.FriendlyPlayerID, filter.ClientHandle)
	if err != nil {
		return nil, fmt.Errorf("find replays: %w", err)
	}
	defer rows.Close()

	var replays []model.GameReplay
	for rows.Next() {
		replay, err := scanGameReplay(rows)
		if err != nil {
			return nil, err
		}
		replays = append(replays, *replay)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replays: %w", err)
	}
	return replays, nil
}

func (p *Postgres) GetOrCreateDeck(ctx context.Context, cards []string) (*model.Deck, error) {
	digest := DeckDigest(cards)
	cardsJSON, err := json.Marshal(cards)
	if err != nil {
		return nil, fmt.Errorf("encode deck cards: %w", err)
	}

	// Insert-if-absent keeps concurrent uploads of the same deck from
	// racing into duplicates; the digest unique constraint arbitrates.
	_, err = p.db.Exec(ctx,
		`INSERT INTO decks (digest, cards) VALUES ($1, $2) ON CONFLICT (digest) DO NOTHING`,
		digest, cardsJSON)
	if err != nil {
		return nil, fmt.Errorf("create deck: %w", err)
	}

	var deck model.Deck
	var storedCards []byte
	err = p.db.QueryRow(ctx, `SELECT id, digest, cards FROM decks WHERE digest = $1`, digest).
		Scan(&deck.ID, &deck.Digest, &storedCards)
	if err != nil {
		return nil, fmt.Errorf("get deck: %w", err)
	}
	if err := json.Unmarshal(storedCards, &deck.Cards); err != nil {
		return nil, fmt.Errorf("decode deck cards: %w", err)
	}
	return &deck, nil
}

func (p *Postgres) CreatePendingClaim(ctx context.Context, claim *model.PendingReplayOwnership) error {
	err := p.db.QueryRow(ctx,
		`INSERT INTO pending_replay_ownership (replay_id, token_key) VALUES ($1, $2) RETURNING id`,
		claim.ReplayID, claim.TokenKey).Scan(&claim.ID)
	if err != nil {
		return fmt.Errorf("create pending claim: %w", err)
	}
	return nil
}

func (p *Postgres) ListPendingClaimsByToken(ctx context.Context, tokenKey string) ([]model.PendingReplayOwnership, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, replay_id, token_key FROM pending_replay_ownership WHERE token_key = $1 ORDER BY id`,
		tokenKey)
	if err != nil {
		return nil, fmt.Errorf("list pending claims: %w", err)
	}
	defer rows.Close()

	var claims []model.PendingReplayOwnership
	for rows.Next() {
		var claim model.PendingReplayOwnership
		if err := rows.Scan(&claim.ID, &claim.ReplayID, &claim.TokenKey); err != nil {
			return nil, fmt.Errorf("scan pending claim: %w", err)
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending claims: %w", err)
	}
	return claims, nil
}

func (p *Postgres) DeletePendingClaim(ctx context.Context, id int64) error {
	result, err := p.db.Exec(ctx, `DELETE FROM pending_replay_ownership WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pending claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
