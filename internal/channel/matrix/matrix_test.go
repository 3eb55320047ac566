// ABOUTME: Tests for the Matrix channel's event mapping, formatting, login and crypto helpers.
// ABOUTME: Uses an httptest homeserver for login and the in-memory store for credentials.

package matrix

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/store"
)

func messageEvent(sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:      "$evt1",
		Sender:  sender,
		RoomID:  "!room:example.org",
		Type:    event.EventMessage,
		Content: event.Content{Parsed: content},
	}
}

func TestInboundFromEvent(t *testing.T) {
	self := id.UserID("@relay:example.org")

	t.Run("text message", func(t *testing.T) {
		evt := messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"})
		msg, ok := inboundFromEvent(evt, self)
		require.True(t, ok)
		assert.Equal(t, "$evt1", msg.ID)
		assert.Equal(t, "@alice:example.org", msg.SenderID)
		assert.Equal(t, "!room:example.org", msg.ConversationID)
		assert.Equal(t, "hello", msg.Text)
		assert.False(t, msg.FromSelf)
	})

	t.Run("own message is flagged", func(t *testing.T) {
		evt := messageEvent(self, &event.MessageEventContent{MsgType: event.MsgText, Body: "reply"})
		msg, ok := inboundFromEvent(evt, self)
		require.True(t, ok)
		assert.True(t, msg.FromSelf)
	})

	t.Run("non-text skipped", func(t *testing.T) {
		evt := messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"})
		_, ok := inboundFromEvent(evt, self)
		assert.False(t, ok)
	})

	t.Run("edit skipped", func(t *testing.T) {
		content := &event.MessageEventContent{MsgType: event.MsgText, Body: "* fixed"}
		content.RelatesTo = &event.RelatesTo{Type: event.RelReplace, EventID: "$orig"}
		_, ok := inboundFromEvent(messageEvent("@alice:example.org", content), self)
		assert.False(t, ok)
	})

	t.Run("blank body skipped", func(t *testing.T) {
		evt := messageEvent("@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: "   "})
		_, ok := inboundFromEvent(evt, self)
		assert.False(t, ok)
	})
}

func TestRenderHTML(t *testing.T) {
	assert.Equal(t, "", renderHTML("just words"))
	assert.Equal(t, "", renderHTML("a < b"))

	out := renderHTML("some **bold** text")
	assert.Contains(t, out, "<strong>bold</strong>")

	out = renderHTML("- one\n- two")
	assert.Contains(t, out, "<ul>")
	assert.Contains(t, out, "<li>two</li>")
}

func TestAllowedRooms(t *testing.T) {
	open := &connection{allowed: allowedSet(nil)}
	assert.True(t, open.isRoomAllowed("!any:example.org"))

	limited := &connection{allowed: allowedSet([]string{"!a:example.org"})}
	assert.True(t, limited.isRoomAllowed("!a:example.org"))
	assert.False(t, limited.isRoomAllowed("!b:example.org"))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "relay_matrix.org", slugify("@relay:matrix.org"))
	assert.Equal(t, "a-bc_host", slugify("@a-b/c:host"))
	assert.Equal(t, "", slugify(""))
}

func TestDeriveStoreKey(t *testing.T) {
	a := deriveStoreKey("@a:example.org")
	assert.Len(t, a, 32)
	assert.Equal(t, a, deriveStoreKey("@a:example.org"))
	assert.NotEqual(t, a, deriveStoreKey("@b:example.org"))
}

func TestDeviceIDMismatch(t *testing.T) {
	dir := t.TempDir()

	stale, err := deviceIDMismatch(filepath.Join(dir, "missing.db"), "DEV1")
	require.NoError(t, err)
	assert.False(t, stale)

	path := filepath.Join(dir, "crypto.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE crypto_account (device_id TEXT)")
	require.NoError(t, err)

	stale, err = deviceIDMismatch(path, "DEV1")
	require.NoError(t, err)
	assert.False(t, stale, "empty account table is not a mismatch")

	_, err = db.Exec("INSERT INTO crypto_account (device_id) VALUES ('DEV1')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stale, err = deviceIDMismatch(path, "DEV1")
	require.NoError(t, err)
	assert.False(t, stale)

	stale, err = deviceIDMismatch(path, "DEV2")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestLoginPrefersStoredCredentials(t *testing.T) {
	creds := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, creds.SetCredential(ctx, CredAccessToken, "stored-token"))
	require.NoError(t, creds.SetCredential(ctx, CredUserID, "@relay:example.org"))
	require.NoError(t, creds.SetCredential(ctx, CredDeviceID, "DEVSTORED"))

	tr := NewTransport(Config{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@other:example.org",
		AccessToken: "config-token",
		Credentials: creds,
	})

	client, err := tr.login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stored-token", client.AccessToken)
	assert.Equal(t, id.UserID("@relay:example.org"), client.UserID)
	assert.Equal(t, id.DeviceID("DEVSTORED"), client.DeviceID)
}

func TestLoginWithAccessToken(t *testing.T) {
	tr := NewTransport(Config{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@relay:example.org",
		AccessToken: "config-token",
		Credentials: store.NewMockStore(),
	})

	client, err := tr.login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "config-token", client.AccessToken)
	assert.Equal(t, id.UserID("@relay:example.org"), client.UserID)
}

func TestPasswordLoginPersistsCredentials(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/login") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_id":"@relay:example.org","access_token":"fresh-token","device_id":"NEWDEV"}`))
	}))
	defer srv.Close()

	creds := store.NewMockStore()
	tr := NewTransport(Config{
		Homeserver:  srv.URL,
		Username:    "relay",
		Password:    "hunter2",
		Credentials: creds,
	})

	ctx := context.Background()
	client, err := tr.login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", client.AccessToken)
	assert.Equal(t, "hunter2", got["password"])

	token, err := creds.GetCredential(ctx, CredAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	device, err := creds.GetCredential(ctx, CredDeviceID)
	require.NoError(t, err)
	assert.Equal(t, "NEWDEV", device)
}

func TestPasswordLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid password"}`))
	}))
	defer srv.Close()

	creds := store.NewMockStore()
	tr := NewTransport(Config{Homeserver: srv.URL, Username: "relay", Password: "wrong", Credentials: creds})

	_, err := tr.login(context.Background())
	require.Error(t, err)

	_, err = creds.GetCredential(context.Background(), CredAccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetupCryptoRequiresRecoveryKey(t *testing.T) {
	client, err := mautrix.NewClient("https://matrix.example.org", "@relay:example.org", "token")
	require.NoError(t, err)
	dataDir := filepath.Join(t.TempDir(), "crypto")

	cm, err := setupCrypto(context.Background(), client, "", dataDir, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Nil(t, cm)
	assert.NoDirExists(t, dataDir)
}
