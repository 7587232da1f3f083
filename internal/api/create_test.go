package api

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/shortid"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

func newCreator(t *testing.T) (*Creator, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	creator, err := NewCreator(store)
	require.NoError(t, err)
	return creator, store
}

func TestCreateValidUpload(t *testing.T) {
	ctx := context.Background()
	creator, store := newCreator(t)

	sid := shortid.New()
	event, err := creator.Create(ctx, CreateUploadRequest{
		Type:          model.UploadEventTypePowerLog,
		ShortID:       sid,
		UploadIP:      "203.0.113.9",
		Metadata:      []byte(`{"build": 30103, "match_start": "2024-05-01T12:00:00Z", "game_type": 2}`),
		Authorization: "Token tok-abc",
		APIKey:        "key-1",
		FileKey:       "uploads/2024/05/01/12/00/" + sid + ".power.log",
	})
	require.NoError(t, err)

	assert.Equal(t, sid, event.ShortID)
	assert.Equal(t, "tok-abc", event.TokenKey)
	assert.Equal(t, "key-1", event.APIKey)
	assert.Equal(t, model.StatusUnknown, event.Status)
	assert.NotEmpty(t, event.ID)
	assert.JSONEq(t, `{"build": 30103, "match_start": "2024-05-01T12:00:00Z", "game_type": 2}`, event.Metadata)

	stored, err := store.GetUploadEventByShortID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, event.ID, stored.ID)
}

func TestCreateRejectsMissingBuild(t *testing.T) {
	creator, _ := newCreator(t)

	_, err := creator.Create(context.Background(), CreateUploadRequest{
		Type:     model.UploadEventTypePowerLog,
		Metadata: []byte(`{"match_start": "2024-05-01T12:00:00Z"}`),
	})
	var failure *ValidationFailure
	require.ErrorAs(t, err, &failure)
	require.NotEmpty(t, failure.Errors)
	assert.Equal(t, "build", failure.Errors[0].Field)
}

func TestCreateRejectsBadMatchStart(t *testing.T) {
	creator, _ := newCreator(t)

	_, err := creator.Create(context.Background(), CreateUploadRequest{
		Type:     model.UploadEventTypePowerLog,
		Metadata: []byte(`{"build": 1, "match_start": "yesterday"}`),
	})
	var failure *ValidationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "match_start", failure.Errors[0].Field)
}

func TestCreateRejectsBadFriendlyPlayer(t *testing.T) {
	creator, _ := newCreator(t)

	_, err := creator.Create(context.Background(), CreateUploadRequest{
		Type:     model.UploadEventTypePowerLog,
		Metadata: []byte(`{"build": 1, "match_start": "2024-05-01T12:00:00Z", "friendly_player": 3}`),
	})
	var failure *ValidationFailure
	require.ErrorAs(t, err, &failure)
	assert.NotEmpty(t, failure.Errors)
}

func TestCreateRegeneratesInvalidShortID(t *testing.T) {
	creator, _ := newCreator(t)

	event, err := creator.Create(context.Background(), CreateUploadRequest{
		Type:     model.UploadEventTypePowerLog,
		ShortID:  "not a shortid",
		Metadata: []byte(`{"build": 1, "match_start": "2024-05-01T12:00:00Z"}`),
	})
	require.NoError(t, err)
	assert.True(t, shortid.Valid(event.ShortID))
}

func TestCreateRetriesTakenMetadataShortID(t *testing.T) {
	ctx := context.Background()
	creator, store := newCreator(t)

	sid := shortid.New()
	require.NoError(t, store.CreateUploadEvent(ctx, &model.UploadEvent{
		ID: "01EXISTING", ShortID: sid, Type: model.UploadEventTypePowerLog,
	}))

	// A shortid taken from the metadata bundle is a hint, not an
	// identity; a collision regenerates rather than failing the upload.
	event, err := creator.Create(ctx, CreateUploadRequest{
		Type:     model.UploadEventTypePowerLog,
		Metadata: []byte(`{"build": 1, "match_start": "2024-05-01T12:00:00Z", "shortid": "` + sid + `"}`),
	})
	require.NoError(t, err)
	assert.NotEqual(t, sid, event.ShortID)
	assert.True(t, shortid.Valid(event.ShortID))
}

func TestCreateSurfacesProposedShortIDConflict(t *testing.T) {
	ctx := context.Background()
	creator, store := newCreator(t)

	sid := shortid.New()
	require.NoError(t, store.CreateUploadEvent(ctx, &model.UploadEvent{
		ID: "01EXISTING", ShortID: sid, Type: model.UploadEventTypePowerLog,
	}))

	// The request-proposed shortid is the upload's identity; a conflict
	// means the event already exists and must not be duplicated under a
	// regenerated shortid.
	_, err := creator.Create(ctx, CreateUploadRequest{
		Type:     model.UploadEventTypePowerLog,
		ShortID:  sid,
		Metadata: []byte(`{"build": 1, "match_start": "2024-05-01T12:00:00Z"}`),
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	existing, getErr := store.GetUploadEventByShortID(ctx, sid)
	require.NoError(t, getErr)
	assert.Equal(t, "01EXISTING", existing.ID)
}

func TestCreateRejectsOutOfRangePlayerRank(t *testing.T) {
	creator, _ := newCreator(t)

	_, err := creator.Create(context.Background(), CreateUploadRequest{
		Type:     model.UploadEventTypePowerLog,
		Metadata: []byte(`{"build": 1, "match_start": "2024-05-01T12:00:00Z", "player1": {"rank": 26}}`),
	})
	var failure *ValidationFailure
	require.ErrorAs(t, err, &failure)
	require.NotEmpty(t, failure.Errors)
	assert.Contains(t, failure.Errors[0].Field, "rank")
}

func TestTokenFromAuthorization(t *testing.T) {
	assert.Equal(t, "tok-1", TokenFromAuthorization("Token tok-1"))
	assert.Equal(t, "", TokenFromAuthorization(""))
	assert.Equal(t, "", TokenFromAuthorization("Basic dXNlcjpwYXNz"))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tok-jwt",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "tok-jwt", TokenFromAuthorization("Bearer "+signed))

	assert.Equal(t, "", TokenFromAuthorization("Bearer not.a.jwt"))
}

func TestParseTimestamp(t *testing.T) {
	for _, value := range []string{
		"2024-05-01T12:00:00Z",
		"2024-05-01T12:00:00.123456Z",
		"2024-05-01T12:00:00+02:00",
		"2024-05-01T12:00:00",
	} {
		ts, err := ParseTimestamp(value)
		require.NoError(t, err, value)
		assert.Equal(t, 2024, ts.Year())
	}

	_, err := ParseTimestamp("01/05/2024")
	assert.Error(t, err)

	ts, err := ParseTimestamp("2024-05-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 10, ts.Hour(), "offsets normalize to UTC")
	assert.Equal(t, time.UTC, ts.Location())
}
