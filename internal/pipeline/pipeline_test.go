package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaynet/replaynet-ingest-go/internal/accounts"
	"github.com/replaynet/replaynet-ingest-go/internal/cards"
	"github.com/replaynet/replaynet-ingest-go/internal/dispatch"
	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/objectstage"
	"github.com/replaynet/replaynet-ingest-go/internal/parser"
	"github.com/replaynet/replaynet-ingest-go/internal/shortid"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

const testBucket = "uploads-test"

var testMatchStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeParser routes every Parse call through a test-provided function.
type fakeParser struct {
	fn func(log []byte) (*parser.Result, error)
}

func (f *fakeParser) Parse(ctx context.Context, log io.Reader, matchStart time.Time) (*parser.Result, error) {
	body, err := io.ReadAll(log)
	if err != nil {
		return nil, err
	}
	return f.fn(body)
}

type testEnv struct {
	store    *storage.Memory
	objects  *objectstage.MemoryStore
	disp     *dispatch.Memory
	cards    *cards.Memory
	accounts *accounts.Memory
	parser   *fakeParser
	pipe     *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    storage.NewMemory(),
		objects:  objectstage.NewMemoryStore(),
		disp:     dispatch.NewMemory(),
		cards:    cards.NewMemory(),
		accounts: accounts.NewMemory(),
		parser:   &fakeParser{fn: func([]byte) (*parser.Result, error) { return nil, errors.New("no parse function set") }},
	}
	env.cards.Add(cards.Card{ID: "HERO_01", Type: cards.TypeHero, Class: 2, ClassName: "Mage"})
	env.cards.Add(cards.Card{ID: "HERO_02", Type: cards.TypeHero, Class: 4, ClassName: "Warrior"})
	env.cards.Add(cards.Card{ID: "CS2_101", Type: 4, Class: 0, ClassName: "Neutral"})

	pipe, err := New(Options{
		Store:     env.store,
		Objects:   env.objects,
		Bucket:    testBucket,
		Publisher: env.disp,
		Parser:    env.parser,
		Cards:     env.cards,
		Accounts:  env.accounts,
	})
	require.NoError(t, err)
	env.pipe = pipe
	return env
}

func humanPlayer(id int, name, hero string) *parser.Player {
	return &parser.Player{
		PlayerID:  id,
		Name:      name,
		AccountHi: 144115193835963207,
		AccountLo: int64(10000 + id),
		Heroes:    []parser.Entity{{ID: id + 3, CardID: hero, Tags: map[parser.Tag]int{}}},
		InitialDeck: []parser.Entity{
			{ID: 20, CardID: "CS2_101"},
			{ID: 21, CardID: "CS2_102"},
		},
		Tags: map[parser.Tag]int{parser.TagPlayState: 4},
	}
}

func testTree(players ...*parser.Player) *parser.GameTree {
	return &parser.GameTree{
		StartTime: testMatchStart,
		EndTime:   testMatchStart.Add(12 * time.Minute),
		Game: parser.Game{
			Entities: []parser.Entity{{ID: 1, Tags: map[parser.Tag]int{}}},
			Players:  players,
			Tags:     map[parser.Tag]int{parser.TagTurn: 18},
		},
	}
}

func singleGame(tree *parser.GameTree) func([]byte) (*parser.Result, error) {
	return func([]byte) (*parser.Result, error) {
		return &parser.Result{Games: []*parser.GameTree{tree}}, nil
	}
}

// stageUpload writes a raw log and descriptor into the staging area.
func stageUpload(t *testing.T, env *testEnv, sid string, meta model.UploadMetadata, log []byte, token string) *objectstage.RawUpload {
	t.Helper()
	auth := ""
	if token != "" {
		auth = "Token " + token
	}
	desc := &model.Descriptor{
		ShortID:        sid,
		SourceIP:       "203.0.113.5",
		GatewayHeaders: model.GatewayHeaders{Authorization: auth, XAPIKey: "key-1"},
		UploadMetadata: meta,
		Event:          model.DescriptorEvent{Path: "/api/v1/replays/upload"},
	}
	raw, err := objectstage.Stage(context.Background(), env.objects, testBucket, testMatchStart, desc, log)
	require.NoError(t, err)
	return raw
}

func baseMetadata() model.UploadMetadata {
	return model.UploadMetadata{
		Build:      30103,
		MatchStart: testMatchStart.Format(time.RFC3339),
		GameType:   2,
		Format:     2,
	}
}

// ingestAndProcess runs both stages for one staged upload and returns
// the resulting event.
func ingestAndProcess(t *testing.T, env *testEnv, raw *objectstage.RawUpload) (*model.UploadEvent, error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.pipe.ProcessRawUpload(ctx, dispatch.RawUploadReady{
		RawBucket: raw.Bucket(), RawKey: raw.LogKey(),
	}))

	event, err := env.store.GetUploadEventByShortID(ctx, raw.ShortID())
	require.NoError(t, err)

	procErr := env.pipe.ProcessUploadEvent(ctx, dispatch.UploadEventReady{ID: event.ID, Token: event.ShortID})
	event, getErr := env.store.GetUploadEvent(ctx, event.ID)
	require.NoError(t, getErr)
	return event, procErr
}

func TestIngestAcceptsRawUpload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sid := shortid.New()
	raw := stageUpload(t, env, sid, baseMetadata(), []byte("log-bytes"), "tok-1")

	require.NoError(t, env.pipe.ProcessRawUpload(ctx, dispatch.RawUploadReady{
		RawBucket: testBucket, RawKey: raw.LogKey(),
	}))

	event, err := env.store.GetUploadEventByShortID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, event.Status)
	assert.Equal(t, "tok-1", event.TokenKey)
	assert.Equal(t, "203.0.113.5", event.UploadIP)

	// Log copied to the durable location, staged objects removed.
	durable, err := env.objects.Get(ctx, testBucket, event.FileKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("log-bytes"), durable)
	assert.False(t, env.objects.Exists(testBucket, raw.LogKey()))
	assert.False(t, env.objects.Exists(testBucket, raw.DescriptorKey()))

	require.Len(t, env.disp.PublishedUploads, 1)
	assert.Equal(t, event.ID, env.disp.PublishedUploads[0].ID)
}

func TestIngestValidationFailureMovesToFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	meta := baseMetadata()
	meta.Build = 0 // fails the required-build check
	sid := shortid.New()
	raw := stageUpload(t, env, sid, meta, []byte("log-bytes"), "")

	err := env.pipe.ProcessRawUpload(ctx, dispatch.RawUploadReady{
		RawBucket: testBucket, RawKey: raw.LogKey(),
	})
	require.Error(t, err)

	_, getErr := env.store.GetUploadEventByShortID(ctx, sid)
	assert.ErrorIs(t, getErr, storage.ErrNotFound)

	// The upload moved to the failed location with the rejection body.
	keys, listErr := env.objects.List(ctx, testBucket, "failed/"+sid+"/")
	require.NoError(t, listErr)
	require.Len(t, keys, 3)

	var errBody []byte
	for _, key := range keys {
		if strings.HasSuffix(key, ".error.json") {
			errBody, _ = env.objects.Get(ctx, testBucket, key)
		}
	}
	require.NotEmpty(t, errBody)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(errBody, &payload))
	assert.Contains(t, payload, "errors")
	assert.Contains(t, payload, "made_failed_ts")

	// No durable copy survives a rejected acceptance.
	uploads, _ := env.objects.List(ctx, testBucket, "uploads/")
	assert.Empty(t, uploads)
}

func TestIngestMissingDescriptorRequestsRedelivery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sid := shortid.New()
	logKey := objectstage.RawLogKey(testMatchStart, sid)
	require.NoError(t, env.objects.Put(ctx, testBucket, logKey, []byte("log-bytes")))

	err := env.pipe.ProcessRawUpload(ctx, dispatch.RawUploadReady{RawBucket: testBucket, RawKey: logKey})
	require.Error(t, err)

	// Transient: the log stays put, nothing moved to failed/.
	assert.True(t, env.objects.Exists(testBucket, logKey))
	failed, _ := env.objects.List(ctx, testBucket, "failed/")
	assert.Empty(t, failed)
}

func TestIngestRedeliveryAfterAcceptanceIsDropped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sid := shortid.New()
	raw := stageUpload(t, env, sid, baseMetadata(), []byte("log-bytes"), "")
	msg := dispatch.RawUploadReady{RawBucket: testBucket, RawKey: raw.LogKey()}

	require.NoError(t, env.pipe.ProcessRawUpload(ctx, msg))
	require.NoError(t, env.pipe.ProcessRawUpload(ctx, msg), "redelivery must be acknowledged")

	// Exactly one event exists for the upload.
	event, err := env.store.GetUploadEventByShortID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, sid, event.ShortID)
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	raw := stageUpload(t, env, shortid.New(), meta, []byte("log-bytes"), "")

	event, err := ingestAndProcess(t, env, raw)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, event.Status)
	require.NotNil(t, event.GameID)
	assert.Empty(t, event.Error)

	replay, err := env.store.GetGameReplay(ctx, *event.GameID)
	require.NoError(t, err)
	assert.Equal(t, event.ShortID, replay.ShortID)
	assert.Equal(t, 1, replay.FriendlyPlayerID)
	assert.NotEmpty(t, replay.ReplayKey)
	assert.Greater(t, replay.ReplayBytes, int64(0))

	// Artifact stored at the recorded key.
	body, err := env.objects.Get(ctx, testBucket, replay.ReplayKey)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), replay.ReplayBytes)

	game, err := env.store.GetGlobalGame(ctx, replay.GlobalGameID)
	require.NoError(t, err)
	assert.Equal(t, 30103, game.Build)
	assert.Equal(t, 18, game.NumTurns)

	players, err := env.store.ListGlobalGamePlayers(ctx, game.ID)
	require.NoError(t, err)
	require.Len(t, players, 2)
	assert.Equal(t, "HERO_01", players[0].HeroID)
	assert.Equal(t, 4, players[0].FinalState, "final state written after save")
	assert.NotZero(t, players[0].DeckID)
}

func TestProcessNoHandlesNeverUnifies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	// No game_handle or client_handle: dedup never applies.

	first, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log-a"), ""))
	require.NoError(t, err)
	second, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log-b"), ""))
	require.NoError(t, err)

	replayA, err := env.store.GetGameReplay(ctx, *first.GameID)
	require.NoError(t, err)
	replayB, err := env.store.GetGameReplay(ctx, *second.GameID)
	require.NoError(t, err)
	assert.NotEqual(t, replayA.GlobalGameID, replayB.GlobalGameID, "uploads without handles always create distinct games")
}

func TestProcessUnifiesWithinWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	meta := baseMetadata()
	meta.GameHandle = "H1"
	meta.ClientHandle = "C1"
	meta.ServerIP = "1.2.3.4"
	meta.ServerPort = 3724
	meta.FriendlyPlayer = 1

	treeA := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	treeB := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	treeB.StartTime = testMatchStart.Add(time.Minute)

	env.parser.fn = singleGame(treeA)
	first, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log-a"), ""))
	require.NoError(t, err)

	env.parser.fn = singleGame(treeB)
	second, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log-b"), ""))
	require.NoError(t, err)

	replayA, err := env.store.GetGameReplay(ctx, *first.GameID)
	require.NoError(t, err)
	replayB, err := env.store.GetGameReplay(ctx, *second.GameID)
	require.NoError(t, err)

	assert.Equal(t, replayA.GlobalGameID, replayB.GlobalGameID, "second upload unifies")
	assert.Equal(t, replayA.ID, replayB.ID, "same viewer/handle reuses the replay")
}

func TestProcessUnifiedDifferentViewerGetsOwnReplay(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	meta := baseMetadata()
	meta.GameHandle = "H1"
	meta.ClientHandle = "C1"
	meta.ServerIP = "1.2.3.4"
	meta.ServerPort = 3724

	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	metaA := meta
	metaA.FriendlyPlayer = 1
	first, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), metaA, []byte("log-a"), ""))
	require.NoError(t, err)

	metaB := meta
	metaB.FriendlyPlayer = 2
	second, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), metaB, []byte("log-b"), ""))
	require.NoError(t, err)

	replayA, err := env.store.GetGameReplay(ctx, *first.GameID)
	require.NoError(t, err)
	replayB, err := env.store.GetGameReplay(ctx, *second.GameID)
	require.NoError(t, err)

	assert.Equal(t, replayA.GlobalGameID, replayB.GlobalGameID)
	assert.NotEqual(t, replayA.ID, replayB.ID, "different viewer slot gets its own replay")
}

func TestProcessAmbiguousMatchFailsValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Two pre-existing games already occupy the identity tuple.
	for i := 0; i < 2; i++ {
		require.NoError(t, env.store.CreateGlobalGame(ctx, &model.GlobalGame{
			Build: 30103, GameType: 2, GameHandle: "H1",
			ServerAddress: "1.2.3.4", ServerPort: 3724,
			MatchStart: testMatchStart, MatchEnd: testMatchStart.Add(10 * time.Minute),
		}))
	}

	meta := baseMetadata()
	meta.GameHandle = "H1"
	meta.ClientHandle = "C1"
	meta.ServerIP = "1.2.3.4"
	meta.ServerPort = 3724
	meta.FriendlyPlayer = 1

	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.Error(t, err)
	assert.Equal(t, model.StatusValidationError, event.Status)
	assert.NotEmpty(t, event.Error)

	// Nothing new was created.
	games, findErr := env.store.FindGlobalGames(ctx, storage.GlobalGameFilter{
		Build: 30103, GameType: 2, GameHandle: "H1",
		ServerAddress: "1.2.3.4", ServerPort: 3724,
		MatchStartFrom: testMatchStart.Add(-time.Hour), MatchStartTo: testMatchStart.Add(time.Hour),
	})
	require.NoError(t, findErr)
	assert.Len(t, games, 2)
}

func TestProcessMissingPlayerNameIsUnsupported(t *testing.T) {
	env := newTestEnv(t)

	nameless := humanPlayer(2, "", "HERO_02")
	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), nameless)
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.Error(t, err)
	assert.Equal(t, model.StatusUnsupported, event.Status)
	assert.NotEmpty(t, event.Error)
}

func TestProcessTwoGamesInLogIsValidationError(t *testing.T) {
	env := newTestEnv(t)

	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = func([]byte) (*parser.Result, error) {
		return &parser.Result{Games: []*parser.GameTree{tree, tree}}, nil
	}

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.Error(t, err)
	assert.Equal(t, model.StatusValidationError, event.Status)
}

func TestProcessParserFailureIsParsingError(t *testing.T) {
	env := newTestEnv(t)

	env.parser.fn = func([]byte) (*parser.Result, error) {
		return nil, errors.New("garbage byte stream")
	}

	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), baseMetadata(), []byte("log"), ""))
	require.Error(t, err)
	assert.Equal(t, model.StatusParsingError, event.Status)
	assert.NotEmpty(t, event.Error)
	assert.NotEmpty(t, event.Traceback)
}

func TestProcessUnknownHeroIsUnsupported(t *testing.T) {
	env := newTestEnv(t)

	tree := testTree(humanPlayer(1, "Alleria", "HERO_99"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.Error(t, err)
	assert.Equal(t, model.StatusUnsupported, event.Status)
}

func TestProcessNonHeroCardAsHeroIsValidationError(t *testing.T) {
	env := newTestEnv(t)

	tree := testTree(humanPlayer(1, "Alleria", "CS2_101"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.Error(t, err)
	assert.Equal(t, model.StatusValidationError, event.Status)
}

func TestProcessNoFriendlyPlayerGuessIsValidationError(t *testing.T) {
	env := newTestEnv(t)

	// Two human players and no declared friendly_player: no guess.
	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), baseMetadata(), []byte("log"), ""))
	require.Error(t, err)
	assert.Equal(t, model.StatusValidationError, event.Status)
}

func TestProcessGuessesFriendlyPlayerAgainstAI(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	ai := humanPlayer(2, "The Innkeeper", "HERO_02")
	ai.IsAI = true
	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), ai)
	env.parser.fn = singleGame(tree)

	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), baseMetadata(), []byte("log"), ""))
	require.NoError(t, err)

	replay, err := env.store.GetGameReplay(ctx, *event.GameID)
	require.NoError(t, err)
	assert.Equal(t, 1, replay.FriendlyPlayerID)
}

func TestProcessIdempotentReprocessing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	meta := baseMetadata()
	meta.GameHandle = "H1"
	meta.ClientHandle = "C1"
	meta.ServerIP = "1.2.3.4"
	meta.ServerPort = 3724
	meta.FriendlyPlayer = 1

	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.NoError(t, err)
	firstStatus := event.Status
	firstGameID := *event.GameID

	// Redeliver the processing message for the same event.
	require.NoError(t, env.pipe.ProcessUploadEvent(ctx, dispatch.UploadEventReady{ID: event.ID, Token: event.ShortID}))

	event, err = env.store.GetUploadEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, firstStatus, event.Status)
	assert.Equal(t, firstGameID, *event.GameID)

	replay, err := env.store.GetGameReplay(ctx, firstGameID)
	require.NoError(t, err)
	found, err := env.store.FindReplays(ctx, storage.ReplayFilter{
		GlobalGameID: replay.GlobalGameID, FriendlyPlayerID: 1, ClientHandle: "C1",
	})
	require.NoError(t, err)
	assert.Len(t, found, 1, "at most one replay per viewer/handle pair")
}

func TestProcessReprocessWithoutHandlesKeepsSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// No game_handle/client_handle: the game cannot be deduplicated, so
	// a re-run that re-derived everything would mint a second game.
	meta := baseMetadata()
	meta.FriendlyPlayer = 1

	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, event.Status)
	firstGameID := *event.GameID

	require.NoError(t, env.pipe.ProcessUploadEvent(ctx, dispatch.UploadEventReady{ID: event.ID, Token: event.ShortID}))

	event, err = env.store.GetUploadEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, event.Status)
	assert.Equal(t, firstGameID, *event.GameID)

	games, err := env.store.FindGlobalGames(ctx, storage.GlobalGameFilter{
		Build:          meta.Build,
		GameType:       meta.GameType,
		MatchStartFrom: testMatchStart.Add(-time.Hour),
		MatchStartTo:   testMatchStart.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, games, 1, "redelivery must not derive a second game")
}

// missingShortIDStore hides upload events from shortid lookups for a
// fixed number of calls, simulating a lookup that raced a concurrent
// insert of the same upload.
type missingShortIDStore struct {
	storage.Store
	misses int
}

func (s *missingShortIDStore) GetUploadEventByShortID(ctx context.Context, sid string) (*model.UploadEvent, error) {
	if s.misses > 0 {
		s.misses--
		return nil, storage.ErrNotFound
	}
	return s.Store.GetUploadEventByShortID(ctx, sid)
}

func TestIngestConcurrentDeliveryReusesEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sid := shortid.New()
	raw := stageUpload(t, env, sid, baseMetadata(), []byte("log"), "")
	msg := dispatch.RawUploadReady{RawBucket: testBucket, RawKey: raw.LogKey()}
	require.NoError(t, env.pipe.ProcessRawUpload(ctx, msg))

	event, err := env.store.GetUploadEventByShortID(ctx, sid)
	require.NoError(t, err)

	// Second delivery whose existence check missed the first insert.
	stageUpload(t, env, sid, baseMetadata(), []byte("log"), "")
	raced, err := New(Options{
		Store:     &missingShortIDStore{Store: env.store, misses: 1},
		Objects:   env.objects,
		Bucket:    testBucket,
		Publisher: env.disp,
		Parser:    env.parser,
		Cards:     env.cards,
		Accounts:  env.accounts,
	})
	require.NoError(t, err)
	require.NoError(t, raced.ProcessRawUpload(ctx, msg))

	// The first event stands; the duplicate delivery republished it and
	// cleaned up instead of minting a second event.
	again, err := env.store.GetUploadEventByShortID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, event.ID, again.ID)
	require.Len(t, env.disp.PublishedUploads, 2)
	assert.Equal(t, event.ID, env.disp.PublishedUploads[1].ID)
	assert.False(t, env.objects.Exists(testBucket, raw.LogKey()))
}

func TestProcessClearsStaleErrorState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.parser.fn = func([]byte) (*parser.Result, error) {
		return nil, errors.New("transient parser outage")
	}

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	raw := stageUpload(t, env, shortid.New(), meta, []byte("log"), "")
	event, err := ingestAndProcess(t, env, raw)
	require.Error(t, err)
	assert.Equal(t, model.StatusParsingError, event.Status)
	assert.NotEmpty(t, event.Error)

	// The parser recovers; reprocessing reaches a different terminal
	// state with no stale error text.
	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	require.NoError(t, env.pipe.ProcessUploadEvent(ctx, dispatch.UploadEventReady{ID: event.ID, Token: event.ShortID}))
	event, err = env.store.GetUploadEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, event.Status)
	assert.Empty(t, event.Error)
	assert.Empty(t, event.Traceback)
}

func TestPlayerNameSplitting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	named := humanPlayer(1, "Bruce Wayne", "HERO_01")
	tree := testTree(named, humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), ""))
	require.NoError(t, err)

	replay, err := env.store.GetGameReplay(ctx, *event.GameID)
	require.NoError(t, err)
	players, err := env.store.ListGlobalGamePlayers(ctx, replay.GlobalGameID)
	require.NoError(t, err)
	assert.Equal(t, "Wayne", players[0].Name)
	assert.Equal(t, "Bruce Wayne", players[0].RealName)
	assert.Equal(t, "Garrosh", players[1].Name)
	assert.Empty(t, players[1].RealName)
}

func TestUnclaimedTokenCreatesPendingClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.accounts.AddToken("tok-new")
	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), "tok-new"))
	require.NoError(t, err)

	replay, err := env.store.GetGameReplay(ctx, *event.GameID)
	require.NoError(t, err)
	assert.Nil(t, replay.UserID)

	claims, err := env.store.ListPendingClaimsByToken(ctx, "tok-new")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, replay.ID, claims[0].ReplayID)

	// The account gets claimed later; the hook attributes the replay.
	require.NoError(t, env.pipe.ResolvePendingClaims(ctx, "tok-new", 42))
	replay, err = env.store.GetGameReplay(ctx, replay.ID)
	require.NoError(t, err)
	require.NotNil(t, replay.UserID)
	assert.Equal(t, int64(42), *replay.UserID)

	claims, err = env.store.ListPendingClaimsByToken(ctx, "tok-new")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestClaimedTokenOwnsReplayImmediately(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.accounts.Claim("tok-owned", accounts.User{ID: 7, Username: "viewer"})
	tree := testTree(humanPlayer(1, "Alleria", "HERO_01"), humanPlayer(2, "Garrosh", "HERO_02"))
	env.parser.fn = singleGame(tree)

	meta := baseMetadata()
	meta.FriendlyPlayer = 1
	event, err := ingestAndProcess(t, env, stageUpload(t, env, shortid.New(), meta, []byte("log"), "tok-owned"))
	require.NoError(t, err)

	replay, err := env.store.GetGameReplay(ctx, *event.GameID)
	require.NoError(t, err)
	require.NotNil(t, replay.UserID)
	assert.Equal(t, int64(7), *replay.UserID)

	claims, err := env.store.ListPendingClaimsByToken(ctx, "tok-owned")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestQueueAllRawUploads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	stageUpload(t, env, shortid.New(), baseMetadata(), []byte("log-a"), "")
	stageUpload(t, env, shortid.New(), baseMetadata(), []byte("log-b"), "")

	queued, err := env.pipe.QueueAllRawUploads(ctx, testBucket)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Len(t, env.disp.PublishedRaw, 2)
}

func TestQueueFailedUploads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	meta := baseMetadata()
	meta.Build = 0
	raw := stageUpload(t, env, shortid.New(), meta, []byte("log"), "")
	require.Error(t, env.pipe.ProcessRawUpload(ctx, dispatch.RawUploadReady{
		RawBucket: testBucket, RawKey: raw.LogKey(),
	}))

	queued, err := env.pipe.QueueFailedUploads(ctx, testBucket)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Len(t, env.disp.PublishedRaw, 1)
	assert.Contains(t, env.disp.PublishedRaw[0].RawKey, "failed/")
}

func TestPresignStaging(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	target, err := env.pipe.PresignStaging(ctx)
	require.NoError(t, err)
	assert.True(t, shortid.Valid(target.ShortID))
	assert.Contains(t, target.LogKey, "raw/")
	assert.Contains(t, target.LogKey, target.ShortID+".power.log")
	assert.Contains(t, target.DescriptorKey, target.ShortID+".descriptor.json")
	assert.NotEmpty(t, target.LogURL)
	assert.NotEmpty(t, target.DescriptorURL)

	// The allocated keys round-trip through the lifecycle parser.
	raw, err := objectstage.NewRawUpload(testBucket, target.LogKey)
	require.NoError(t, err)
	assert.Equal(t, target.ShortID, raw.ShortID())
	assert.Equal(t, target.DescriptorKey, raw.DescriptorKey())
}

func TestDeleteUploadEventRemovesLog(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sid := shortid.New()
	raw := stageUpload(t, env, sid, baseMetadata(), []byte("log-bytes"), "")
	require.NoError(t, env.pipe.ProcessRawUpload(ctx, dispatch.RawUploadReady{
		RawBucket: testBucket, RawKey: raw.LogKey(),
	}))

	event, err := env.store.GetUploadEventByShortID(ctx, sid)
	require.NoError(t, err)
	assert.True(t, env.objects.Exists(testBucket, event.FileKey))

	require.NoError(t, env.pipe.DeleteUploadEvent(ctx, event.ID))
	assert.False(t, env.objects.Exists(testBucket, event.FileKey))
	_, err = env.store.GetUploadEvent(ctx, event.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting an already-deleted event is a no-op.
	require.NoError(t, env.pipe.DeleteUploadEvent(ctx, event.ID))
}
