package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/petalcrm/sundew/pkg/context"
	"github.com/petalcrm/sundew/pkg/gateway"
	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/redis"
	"github.com/petalcrm/sundew/pkg/repositories"
	"github.com/petalcrm/sundew/pkg/tracing"
)

var (
	// ErrAlreadyConnecting is returned when a channel already has a live
	// pairing loop
	ErrAlreadyConnecting = errors.New("channel is already connecting")
)

const (
	// DefaultPairingTTL is how long an issued QR code stays scannable
	DefaultPairingTTL = 45 * time.Second

	// DefaultLockTTL is the TTL for the per-channel connect lock
	DefaultLockTTL = 30 * time.Second

	// LockKeyPrefix is the prefix for connect locks
	LockKeyPrefix = "connect:"
)

// Config holds configuration for the connection manager
type Config struct {
	// PairingTTL is the pairing code lifetime; the refresh loop ticks at
	// this interval and reissues the code
	PairingTTL time.Duration

	// LockTTL is how long to hold the per-channel connect lock
	LockTTL time.Duration

	// PublicBaseURL is this service's externally reachable base URL, used
	// when registering the webhook with the gateway
	PublicBaseURL string
}

// DefaultConfig returns the default connection manager configuration
func DefaultConfig() Config {
	return Config{
		PairingTTL: DefaultPairingTTL,
		LockTTL:    DefaultLockTTL,
	}
}

// ChannelHook is invoked when a channel's connection state settles
type ChannelHook func(ctx context.Context, channel *models.Channel)

// session is one live pairing refresh loop
type session struct {
	channelID uuid.UUID
	stopCh    chan struct{}
	stoppedC  chan struct{}
}

// Manager owns the connection lifecycle of all channels: pairing, status
// transitions and deterministic teardown. At most one refresh loop runs per
// channel.
type Manager struct {
	channels repositories.ChannelRepo
	pairings repositories.PairingSessionRepo
	gateway  gateway.Gateway
	locker   *redis.Locker
	config   Config
	logger   ectologger.Logger

	onConnected    ChannelHook
	onDisconnected ChannelHook

	// Coordination
	sessions map[uuid.UUID]*session
	mu       sync.Mutex
}

// NewManager creates a new connection manager
func NewManager(
	channels repositories.ChannelRepo,
	pairings repositories.PairingSessionRepo,
	gw gateway.Gateway,
	locker *redis.Locker,
	config Config,
	logger ectologger.Logger,
) *Manager {
	if config.PairingTTL <= 0 {
		config.PairingTTL = DefaultPairingTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}

	return &Manager{
		channels: channels,
		pairings: pairings,
		gateway:  gw,
		locker:   locker,
		config:   config,
		logger:   logger,
		sessions: make(map[uuid.UUID]*session),
	}
}

// OnConnected registers a hook called after a channel reaches connected
func (m *Manager) OnConnected(hook ChannelHook) {
	m.onConnected = hook
}

// OnDisconnected registers a hook called after a channel disconnects
func (m *Manager) OnDisconnected(hook ChannelHook) {
	m.onDisconnected = hook
}

// ConnectResult reports how a connect attempt resolved
type ConnectResult struct {
	Status  models.ChannelStatus   `json:"status"`
	Pairing *models.PairingSession `json:"pairing,omitempty"`
}

// Connect begins connecting a channel. If the gateway already has a bound
// device the channel goes straight to connected; otherwise a pairing session
// is issued and a refresh loop keeps the QR code fresh until it is scanned.
func (m *Manager) Connect(ctx context.Context, channelID uuid.UUID) (*ConnectResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionManager.Connect")
	defer span.End()

	channel, err := m.channels.GetByID(ctx, channelID)
	if err != nil {
		return nil, err
	}

	var result *ConnectResult
	err = m.locker.WithLock(ctx, LockKeyPrefix+channelID.String(), m.config.LockTTL, func() error {
		result, err = m.connect(ctx, channel)
		return err
	})
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil, ErrAlreadyConnecting
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (m *Manager) connect(ctx context.Context, channel *models.Channel) (*ConnectResult, error) {
	status, err := m.gateway.Status(ctx, channel)
	if err != nil {
		return nil, m.fail(ctx, channel, err)
	}

	// Already bound to a device, no pairing needed
	if status.State == gateway.StateOpen {
		if err := m.markConnected(ctx, channel, status); err != nil {
			return nil, err
		}
		return &ConnectResult{Status: models.ChannelConnected}, nil
	}

	code, err := m.gateway.Pair(ctx, channel)
	if err != nil {
		return nil, m.fail(ctx, channel, err)
	}

	pairing := &models.PairingSession{
		TenantID:   channel.TenantID,
		ChannelID:  channel.ID,
		QRCode:     code.Code,
		TTLSeconds: code.TTLSeconds,
	}
	if pairing.TTLSeconds <= 0 {
		pairing.TTLSeconds = int(m.config.PairingTTL.Seconds())
	}
	if err := m.pairings.Create(ctx, pairing); err != nil {
		return nil, err
	}

	if err := m.setStatus(ctx, channel, models.ChannelConnecting, nil); err != nil {
		return nil, err
	}

	m.startRefreshLoop(channel)

	return &ConnectResult{Status: models.ChannelConnecting, Pairing: pairing}, nil
}

// Disconnect tears down a channel's session deterministically: the refresh
// loop is stopped and waited for, the pending pairing is cancelled and the
// gateway session is logged out best-effort.
func (m *Manager) Disconnect(ctx context.Context, channelID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionManager.Disconnect")
	defer span.End()

	channel, err := m.channels.GetByID(ctx, channelID)
	if err != nil {
		return err
	}

	m.stopRefreshLoop(ctx, channelID)

	if err := m.pairings.ResolvePendingForChannel(ctx, channelID, models.PairingCancelled); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channelID,
		}).Warn("failed to cancel pending pairing session")
	}

	if err := m.gateway.Logout(ctx, channel); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channelID,
		}).Warn("gateway logout failed")
	}

	if err := m.setStatus(ctx, channel, models.ChannelDisconnected, nil); err != nil {
		return err
	}

	if m.onDisconnected != nil {
		m.onDisconnected(ctx, channel)
	}

	return nil
}

// Teardown is Disconnect without the gateway logout, used when the channel
// row is being deleted.
func (m *Manager) Teardown(ctx context.Context, channelID uuid.UUID) {
	m.stopRefreshLoop(ctx, channelID)

	if err := m.pairings.ResolvePendingForChannel(ctx, channelID, models.PairingCancelled); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channelID,
		}).Warn("failed to cancel pending pairing session")
	}
}

// StopAll stops every refresh loop, used at shutdown
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stopRefreshLoop(ctx, id)
	}
	return nil
}

func (m *Manager) startRefreshLoop(channel *models.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[channel.ID]; ok {
		return
	}

	sess := &session{
		channelID: channel.ID,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
	m.sessions[channel.ID] = sess

	go m.refreshLoop(channel, sess)
}

func (m *Manager) stopRefreshLoop(ctx context.Context, channelID uuid.UUID) {
	m.mu.Lock()
	sess, ok := m.sessions[channelID]
	if ok {
		delete(m.sessions, channelID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	close(sess.stopCh)
	select {
	case <-sess.stoppedC:
	case <-ctx.Done():
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"channel_id": channelID,
		}).Warn("pairing loop shutdown timed out")
	}
}

// refreshLoop keeps the pairing code fresh until the device is bound or the
// loop is stopped. It ticks at the pairing TTL so a scannable code is always
// available.
func (m *Manager) refreshLoop(channel *models.Channel, sess *session) {
	defer close(sess.stoppedC)

	// The loop outlives the originating request, so it carries its own
	// tenant-scoped context.
	ctx := appctx.SetTenantID(context.Background(), channel.TenantID.String())

	ticker := time.NewTicker(m.config.PairingTTL)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stopCh:
			m.logger.WithContext(ctx).WithFields(map[string]any{
				"channel_id": channel.ID,
			}).Debug("pairing loop stopping")
			return
		case <-ticker.C:
			if done := m.refresh(ctx, channel); done {
				m.forget(channel.ID)
				return
			}
		}
	}
}

// refresh runs one tick: probe for a bound device, otherwise reissue the
// code. Returns true when the loop should end.
func (m *Manager) refresh(ctx context.Context, channel *models.Channel) bool {
	ctx, span := tracing.StartSpan(ctx, "ConnectionManager.refresh")
	defer span.End()

	status, err := m.gateway.Status(ctx, channel)
	if err != nil {
		if gateway.IsAuthError(err) || gateway.IsConfigError(err) {
			_ = m.fail(ctx, channel, err)
			return true
		}
		// Transient gateway trouble, keep the loop alive
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Warn("status probe failed, will retry")
		return false
	}

	if status.State == gateway.StateOpen {
		if err := m.markConnected(ctx, channel, status); err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"channel_id": channel.ID,
			}).Error("failed to mark channel connected")
			return false
		}
		return true
	}

	code, err := m.gateway.Pair(ctx, channel)
	if err != nil {
		if gateway.IsAuthError(err) || gateway.IsConfigError(err) {
			_ = m.fail(ctx, channel, err)
			return true
		}
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Warn("pairing reissue failed, will retry")
		return false
	}

	pairing := &models.PairingSession{
		TenantID:   channel.TenantID,
		ChannelID:  channel.ID,
		QRCode:     code.Code,
		TTLSeconds: code.TTLSeconds,
	}
	if pairing.TTLSeconds <= 0 {
		pairing.TTLSeconds = int(m.config.PairingTTL.Seconds())
	}
	if err := m.pairings.Create(ctx, pairing); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Error("failed to store reissued pairing session")
		return false
	}

	metrics.PairingReissuesTotal.Inc()
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"channel_id": channel.ID,
		"session_id": pairing.ID,
	}).Info("reissued pairing code")
	return false
}

func (m *Manager) forget(channelID uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, channelID)
	m.mu.Unlock()
}

// markConnected finalizes a successful pairing: records the bound identity,
// resolves the pending session and registers the webhook when the channel
// ingests through push.
func (m *Manager) markConnected(ctx context.Context, channel *models.Channel, status *gateway.InstanceStatus) error {
	if err := m.channels.UpdateIdentity(ctx, channel.ID, status.Phone, status.DisplayName, status.ProfilePicURL); err != nil {
		return err
	}

	if err := m.pairings.ResolvePendingForChannel(ctx, channel.ID, models.PairingSucceeded); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Warn("failed to resolve pairing session")
	}

	if err := m.setStatus(ctx, channel, models.ChannelConnected, nil); err != nil {
		return err
	}

	if channel.Transport == models.TransportPush || channel.Transport == models.TransportBoth {
		if err := m.gateway.RegisterWebhook(ctx, channel, m.webhookURL(channel)); err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"channel_id": channel.ID,
			}).Warn("webhook registration failed")
		}
	}

	if m.onConnected != nil {
		m.onConnected(ctx, channel)
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"channel_id": channel.ID,
	}).Info("channel connected")
	return nil
}

// fail moves the channel to the error state, retaining the diagnostic, and
// resolves any pending pairing. There is no automatic retry out of error.
func (m *Manager) fail(ctx context.Context, channel *models.Channel, cause error) error {
	detail := cause.Error()

	if err := m.pairings.ResolvePendingForChannel(ctx, channel.ID, models.PairingFailed); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Warn("failed to resolve pairing session")
	}

	if err := m.setStatus(ctx, channel, models.ChannelError, &detail); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Error("failed to record channel error state")
	}

	return cause
}

func (m *Manager) setStatus(ctx context.Context, channel *models.Channel, status models.ChannelStatus, detail *string) error {
	if err := m.channels.UpdateStatus(ctx, channel.ID, status, detail); err != nil {
		return err
	}
	channel.Status = status
	channel.StatusDetail = detail
	metrics.ChannelStatusTransitionsTotal.WithLabelValues(string(status)).Inc()
	return nil
}

func (m *Manager) webhookURL(channel *models.Channel) string {
	return fmt.Sprintf("%s/webhooks/%s?secret=%s",
		m.config.PublicBaseURL, channel.TenantID, url.QueryEscape(channel.WebhookSecret))
}
