package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	ierrors "github.com/replaynet/replaynet-ingest-go/internal/errors"
	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/parser"
)

// artifactDocument is the serialized replay output. Consumers treat it
// as opaque; only its storage location and byte size matter here.
type artifactDocument struct {
	ShortID     string           `json:"shortid"`
	Build       int              `json:"build"`
	GameType    int              `json:"game_type"`
	Format      int              `json:"format"`
	MatchStart  time.Time        `json:"match_start"`
	MatchEnd    time.Time        `json:"match_end"`
	NumTurns    int              `json:"num_turns"`
	NumEntities int              `json:"num_entities"`
	Players     []artifactPlayer `json:"players"`
}

type artifactPlayer struct {
	PlayerID    int    `json:"player_id"`
	Name        string `json:"name"`
	HeroID      string `json:"hero_id"`
	HeroPremium bool   `json:"hero_premium"`
	IsFirst     bool   `json:"is_first"`
	FinalState  int    `json:"final_state"`
}

// replayArtifactKey places artifacts under a date prefix so lifecycle
// policies can expire them by age.
func replayArtifactKey(ts time.Time, shortid string) string {
	return fmt.Sprintf("replays/%s/%s.replay.json.gz", ts.UTC().Format("2006/01/02"), shortid)
}

// writeArtifact serializes the replay artifact, stores it and records
// its location and size on the replay.
func (p *Pipeline) writeArtifact(ctx context.Context, event *model.UploadEvent, game *model.GlobalGame, players []model.GlobalGamePlayer, replay *model.GameReplay, tree *parser.GameTree) error {
	doc := artifactDocument{
		ShortID:     event.ShortID,
		Build:       game.Build,
		GameType:    game.GameType,
		Format:      game.Format,
		MatchStart:  game.MatchStart,
		MatchEnd:    game.MatchEnd,
		NumTurns:    game.NumTurns,
		NumEntities: game.NumEntities,
	}
	for _, player := range players {
		parsed := findParsedPlayer(tree, player.PlayerID)
		state := 0
		if parsed != nil {
			state = parsed.Tag(parser.TagPlayState)
		}
		doc.Players = append(doc.Players, artifactPlayer{
			PlayerID:    player.PlayerID,
			Name:        player.Name,
			HeroID:      player.HeroID,
			HeroPremium: player.HeroPremium,
			IsFirst:     player.IsFirst,
			FinalState:  state,
		})
	}

	body, err := encodeArtifact(doc)
	if err != nil {
		return ierrors.Serverf("encode replay artifact: %v", err)
	}

	key := replayArtifactKey(game.MatchStart, event.ShortID)
	if err := p.objects.Put(ctx, p.bucket, key, body); err != nil {
		return ierrors.Serverf("store replay artifact: %v", err)
	}

	replay.ReplayKey = key
	replay.ReplayBytes = int64(len(body))
	if err := p.store.UpdateGameReplay(ctx, replay); err != nil {
		return ierrors.Serverf("record artifact location: %v", err)
	}

	p.metrics.ReplayBytes.Observe(float64(len(body)))
	return nil
}

func encodeArtifact(doc artifactDocument) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func findParsedPlayer(tree *parser.GameTree, playerID int) *parser.Player {
	for _, parsed := range tree.Game.Players {
		if parsed.PlayerID == playerID {
			return parsed
		}
	}
	return nil
}
