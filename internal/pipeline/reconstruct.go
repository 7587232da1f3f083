package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/replaynet/replaynet-ingest-go/internal/accounts"
	"github.com/replaynet/replaynet-ingest-go/internal/cards"
	ierrors "github.com/replaynet/replaynet-ingest-go/internal/errors"
	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/parser"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

// replayVisibilityPublic is the default visibility for new replays.
const replayVisibilityPublic = 1

// reconstruct materializes the per-player records and the viewer's
// replay for a resolved global game, serializes the output artifact and
// attaches ownership. Player records are written on first sight of a
// game only; a unified game keeps the players its first upload
// recorded.
func (p *Pipeline) reconstruct(ctx context.Context, event *model.UploadEvent, meta *model.UploadMetadata, tree *parser.GameTree, game *model.GlobalGame, unified bool) (*outcome, error) {
	friendly := meta.FriendlyPlayer
	if friendly == 0 {
		friendly = tree.GuessFriendlyPlayer()
	}
	if friendly == 0 {
		return nil, ierrors.Validationf("friendly player could not be determined")
	}

	players, err := p.buildPlayers(ctx, meta, tree, game.ID)
	if err != nil {
		return nil, err
	}

	if unified {
		// Merging player snapshots into an already-unified game has no
		// defined policy; the first upload's records stand.
		p.logger.Debug("skipping player records for unified game", "game_id", game.ID)
	} else {
		for i := range players {
			err := p.store.CreateGlobalGamePlayer(ctx, &players[i])
			if errors.Is(err, storage.ErrConflict) {
				// A concurrent or redelivered attempt got here first.
				continue
			}
			if err != nil {
				return nil, ierrors.Serverf("create player record: %v", err)
			}
		}
	}

	replay, created, err := p.materializeReplay(ctx, event, meta, game, friendly, unified)
	if err != nil {
		return nil, err
	}

	if created {
		if err := p.writeArtifact(ctx, event, game, players, replay, tree); err != nil {
			return nil, err
		}
		p.updateFinalStates(ctx, players, tree)
	}

	return &outcome{
		Game:    game,
		Players: players,
		Replay:  replay,
		Tree:    tree,
		Unified: unified,
	}, nil
}

// buildPlayers validates every parsed player and assembles its snapshot
// record. Nothing is persisted here.
func (p *Pipeline) buildPlayers(ctx context.Context, meta *model.UploadMetadata, tree *parser.GameTree, gameID int64) ([]model.GlobalGamePlayer, error) {
	players := make([]model.GlobalGamePlayer, 0, len(tree.Game.Players))
	for _, parsed := range tree.Game.Players {
		if parsed.Name == "" {
			return nil, ierrors.Unsupportedf("player %d has no name", parsed.PlayerID)
		}
		if len(parsed.Heroes) == 0 {
			return nil, ierrors.Unsupportedf("player %d has no hero", parsed.PlayerID)
		}

		hero := parsed.Heroes[0]
		card, err := p.cards.Get(ctx, hero.CardID)
		if errors.Is(err, cards.ErrNotFound) {
			return nil, ierrors.Unsupportedf("unrecognized hero card %q for player %d", hero.CardID, parsed.PlayerID)
		}
		if err != nil {
			return nil, ierrors.Serverf("card lookup %q: %v", hero.CardID, err)
		}
		if card.Type != cards.TypeHero {
			return nil, ierrors.Validationf("card %q used as hero is not a hero card", hero.CardID)
		}

		deck, err := p.store.GetOrCreateDeck(ctx, deckCards(meta.Player(parsed.PlayerID), parsed))
		if err != nil {
			return nil, ierrors.Serverf("resolve deck for player %d: %v", parsed.PlayerID, err)
		}

		name, realName := splitPlayerName(parsed)
		player := model.GlobalGamePlayer{
			GameID:      gameID,
			PlayerID:    parsed.PlayerID,
			Name:        name,
			RealName:    realName,
			AccountHi:   parsed.AccountHi,
			AccountLo:   parsed.AccountLo,
			IsAI:        parsed.IsAI,
			IsFirst:     parsed.Tag(parser.TagFirstPlayer) == 1,
			HeroID:      hero.CardID,
			HeroPremium: hero.Tag(parser.TagPremium) > 0,
			DeckID:      deck.ID,
		}
		if pm := meta.Player(parsed.PlayerID); pm != nil {
			player.Rank = pm.Rank
			player.LegendRank = pm.LegendRank
			player.Stars = pm.Stars
			player.Wins = pm.Wins
			player.Losses = pm.Losses
		}
		players = append(players, player)
	}
	return players, nil
}

// splitPlayerName normalizes display name vs. real name. A non-AI name
// containing a space is a real name whose last token is the display
// name; AI and single-token names pass through as display name only.
func splitPlayerName(parsed *parser.Player) (name, realName string) {
	if parsed.IsAI || !strings.Contains(parsed.Name, " ") {
		return parsed.Name, ""
	}
	fields := strings.Fields(parsed.Name)
	return fields[len(fields)-1], parsed.Name
}

// deckCards prefers the uploader-declared deck list over the cards
// revealed in the log.
func deckCards(pm *model.PlayerMetadata, parsed *parser.Player) []string {
	if pm != nil && len(pm.Deck) > 0 {
		return pm.Deck
	}
	ids := make([]string, 0, len(parsed.InitialDeck))
	for _, entity := range parsed.InitialDeck {
		if entity.CardID != "" {
			ids = append(ids, entity.CardID)
		}
	}
	return ids
}

// materializeReplay creates the viewer's replay or, under a unified
// game, reuses an existing one for the same viewer/handle pair. The
// reuse path is the idempotent no-op for duplicate uploads.
func (p *Pipeline) materializeReplay(ctx context.Context, event *model.UploadEvent, meta *model.UploadMetadata, game *model.GlobalGame, friendly int, unified bool) (*model.GameReplay, bool, error) {
	if unified {
		existing, err := p.resolveReplay(ctx, game.ID, friendly, meta.ClientHandle)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	userID, pending := p.resolveOwner(ctx, event.TokenKey)
	replay := &model.GameReplay{
		ShortID:          event.ShortID,
		UserID:           userID,
		GlobalGameID:     game.ID,
		FriendlyPlayerID: friendly,
		ClientHandle:     meta.ClientHandle,
		SpectatorMode:    meta.SpectatorMode,
		Reconnecting:     meta.Reconnecting,
		Resumable:        meta.Resumable,
		Build:            meta.Build,
		Visibility:       replayVisibilityPublic,
	}

	err := p.store.CreateGameReplay(ctx, replay)
	if errors.Is(err, storage.ErrConflict) {
		// The replay shortid is the event's shortid, so a conflict means
		// a previous attempt of this same event already created the
		// replay. Reuse it, whichever game that attempt resolved.
		existing, lookupErr := p.store.GetGameReplayByShortID(ctx, event.ShortID)
		if lookupErr != nil {
			return nil, false, ierrors.Serverf("resolve conflicting replay %s: %v", event.ShortID, lookupErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, ierrors.Serverf("create replay: %v", err)
	}

	if pending {
		claim := &model.PendingReplayOwnership{ReplayID: replay.ID, TokenKey: event.TokenKey}
		if err := p.store.CreatePendingClaim(ctx, claim); err != nil {
			p.logger.Warn("failed to record pending ownership claim", "replay_id", replay.ID, "error", err)
		}
	}

	return replay, true, nil
}

// resolveOwner maps the upload's auth token to a user. An unclaimed or
// unresolvable token defers attribution through a pending claim rather
// than failing processing.
func (p *Pipeline) resolveOwner(ctx context.Context, tokenKey string) (userID *int64, pending bool) {
	if tokenKey == "" {
		return nil, false
	}
	if p.accounts == nil {
		return nil, true
	}
	user, err := p.accounts.ResolveToken(ctx, tokenKey)
	switch {
	case err == nil:
		return &user.ID, false
	case errors.Is(err, accounts.ErrUnclaimed):
		return nil, true
	case errors.Is(err, accounts.ErrNotFound):
		return nil, false
	default:
		p.logger.Warn("token resolution failed, deferring ownership", "error", err)
		return nil, true
	}
}

// updateFinalStates writes each player's end-of-game outcome after the
// replay is saved. Missing records (unified game) are skipped.
func (p *Pipeline) updateFinalStates(ctx context.Context, players []model.GlobalGamePlayer, tree *parser.GameTree) {
	if len(players) == 0 {
		return
	}
	byID := make(map[int]*parser.Player, len(tree.Game.Players))
	for _, parsed := range tree.Game.Players {
		byID[parsed.PlayerID] = parsed
	}

	stored, err := p.store.ListGlobalGamePlayers(ctx, players[0].GameID)
	if err != nil {
		p.logger.Warn("failed to load players for final state update", "error", err)
		return
	}
	for i := range stored {
		parsed, ok := byID[stored[i].PlayerID]
		if !ok {
			continue
		}
		state := parsed.Tag(parser.TagPlayState)
		if state == 0 || stored[i].FinalState == state {
			continue
		}
		stored[i].FinalState = state
		if err := p.store.UpdateGlobalGamePlayer(ctx, &stored[i]); err != nil {
			p.logger.Warn("failed to update player final state", "player_id", stored[i].PlayerID, "error", err)
		}
	}
}
