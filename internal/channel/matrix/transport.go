// ABOUTME: Matrix implementation of channel.Transport built on mautrix.
// ABOUTME: Logs in with persisted or configured credentials and starts a sync loop per connection.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/store"
)

// Credential keys persisted in the store.
const (
	CredAccessToken = "matrix.access_token"
	CredUserID      = "matrix.user_id"
	CredDeviceID    = "matrix.device_id"
)

// deviceDisplayName is shown in the account's session list.
const deviceDisplayName = "coven-relay"

// Config configures the Matrix transport.
type Config struct {
	Homeserver  string
	Username    string
	Password    string
	UserID      string
	AccessToken string
	// RecoveryKey enables E2EE when non-empty, with the crypto store in DataDir.
	RecoveryKey  string
	DataDir      string
	AllowedRooms []string
	// SendRate and SendBurst pace outbound messages (messages per second).
	SendRate  float64
	SendBurst int

	Credentials store.CredentialStore
	Logger      *slog.Logger
}

// Transport dials Matrix connections.
type Transport struct {
	cfg     Config
	allowed map[string]bool
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTransport creates a Transport. The send limiter is shared across
// reconnects so a flapping connection cannot exceed the configured rate.
func NewTransport(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	return &Transport{
		cfg:     cfg,
		allowed: allowedSet(cfg.AllowedRooms),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "matrix"),
	}
}

// Connect logs in and starts syncing. The returned connection reports its
// lifecycle on Events.
func (t *Transport) Connect(ctx context.Context) (channel.Connection, error) {
	client, err := t.login(ctx)
	if err != nil {
		return nil, err
	}
	client.Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.WarnLevel).
		With().Timestamp().Str("component", "mautrix").Logger()

	var cm *cryptoManager
	if t.cfg.RecoveryKey != "" {
		cm, err = setupCrypto(ctx, client, t.cfg.RecoveryKey, t.cfg.DataDir, t.logger)
		if err != nil {
			return nil, fmt.Errorf("setting up encryption: %w", err)
		}
	}

	conn := newConnection(client, connectionConfig{
		allowed:     t.allowed,
		limiter:     t.limiter,
		crypto:      cm,
		credentials: t.cfg.Credentials,
		logger:      t.logger,
	})
	if err := conn.start(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// login returns an authenticated client. Persisted credentials win over the
// configured access token, which wins over a password login.
func (t *Transport) login(ctx context.Context) (*mautrix.Client, error) {
	if client, ok, err := t.fromStoredCredentials(ctx); err != nil {
		return nil, err
	} else if ok {
		return client, nil
	}

	if t.cfg.AccessToken != "" {
		client, err := mautrix.NewClient(t.cfg.Homeserver, id.UserID(t.cfg.UserID), t.cfg.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("creating matrix client: %w", err)
		}
		return client, nil
	}

	client, err := mautrix.NewClient(t.cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: t.cfg.Username,
		},
		Password:                 t.cfg.Password,
		InitialDeviceDisplayName: deviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("matrix login: %w", err)
	}
	t.logger.Info("logged in", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())

	if err := t.saveCredentials(ctx, resp); err != nil {
		t.logger.Warn("failed to persist matrix credentials", "error", err)
	}
	return client, nil
}

func (t *Transport) fromStoredCredentials(ctx context.Context) (*mautrix.Client, bool, error) {
	if t.cfg.Credentials == nil {
		return nil, false, nil
	}
	token, err := t.cfg.Credentials.GetCredential(ctx, CredAccessToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading matrix credentials: %w", err)
	}
	userID, err := t.cfg.Credentials.GetCredential(ctx, CredUserID)
	if err != nil {
		return nil, false, nil
	}

	client, err := mautrix.NewClient(t.cfg.Homeserver, id.UserID(userID), token)
	if err != nil {
		return nil, false, fmt.Errorf("creating matrix client: %w", err)
	}
	if deviceID, err := t.cfg.Credentials.GetCredential(ctx, CredDeviceID); err == nil {
		client.DeviceID = id.DeviceID(deviceID)
	}
	return client, true, nil
}

func (t *Transport) saveCredentials(ctx context.Context, resp *mautrix.RespLogin) error {
	if t.cfg.Credentials == nil {
		return nil
	}
	values := map[string]string{
		CredAccessToken: resp.AccessToken,
		CredUserID:      resp.UserID.String(),
		CredDeviceID:    resp.DeviceID.String(),
	}
	for key, value := range values {
		if err := t.cfg.Credentials.SetCredential(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func allowedSet(rooms []string) map[string]bool {
	if len(rooms) == 0 {
		return nil
	}
	set := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		set[r] = true
	}
	return set
}
