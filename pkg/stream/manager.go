package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/petalcrm/sundew/pkg/context"
	"github.com/petalcrm/sundew/pkg/gateway"
	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/repositories"
	"github.com/petalcrm/sundew/pkg/tracing"
)

const (
	// DefaultMaxAttempts is how many dial rounds to try before declaring
	// the stream unavailable. A round is one dial of the preferred
	// endpoint plus at most one alternate, so the default marks the path
	// unavailable after the single fallback attempt fails. Extra retry
	// rounds are opt-in through Config.MaxAttempts.
	DefaultMaxAttempts = 1

	// DefaultBackoff is the initial delay between dial rounds
	DefaultBackoff = 2 * time.Second
)

// Config holds stream manager configuration
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Handlers receive decoded stream events for a channel
type Handlers struct {
	// OnOpen fires once per established connection, before any traffic
	OnOpen func(ctx context.Context, channel *models.Channel, endpoint string)

	// OnMessage fires for message traffic events
	OnMessage func(ctx context.Context, channel *models.Channel, payload map[string]any)

	// OnConnectionUpdate fires when the gateway reports a state change
	OnConnectionUpdate func(ctx context.Context, channel *models.Channel, payload map[string]any)

	// OnQRCode fires when the gateway pushes a refreshed pairing code
	OnQRCode func(ctx context.Context, channel *models.Channel, payload map[string]any)

	// OnUnavailable fires after every dial round failed
	OnUnavailable func(ctx context.Context, channel *models.Channel, cause error)
}

// consumer is one supervised stream loop
type consumer struct {
	channelID uuid.UUID
	stopCh    chan struct{}
	stoppedC  chan struct{}
}

// Manager runs one live stream consumer per connected channel that opts
// into stream ingestion.
type Manager struct {
	channels repositories.ChannelRepo
	gateway  gateway.Gateway
	dialer   Dialer
	handlers Handlers
	config   Config
	logger   ectologger.Logger

	// Coordination
	consumers map[uuid.UUID]*consumer
	mu        sync.Mutex
}

// NewManager creates a new stream manager
func NewManager(
	channels repositories.ChannelRepo,
	gw gateway.Gateway,
	dialer Dialer,
	handlers Handlers,
	config Config,
	logger ectologger.Logger,
) *Manager {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}

	return &Manager{
		channels:  channels,
		gateway:   gw,
		dialer:    dialer,
		handlers:  handlers,
		config:    config,
		logger:    logger,
		consumers: make(map[uuid.UUID]*consumer),
	}
}

// Resume starts consumers for every connected channel that uses the stream,
// called once at startup.
func (m *Manager) Resume(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "StreamManager.Resume")
	defer span.End()

	channels, err := m.channels.ListStreaming(ctx)
	if err != nil {
		return err
	}

	for i := range channels {
		m.Start(&channels[i])
	}

	m.logger.WithContext(ctx).Infof("Resumed %d stream consumers", len(channels))
	return nil
}

// Start launches a consumer for the channel if one is not already running
func (m *Manager) Start(channel *models.Channel) {
	if !channel.Transport.UsesStream() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.consumers[channel.ID]; ok {
		return
	}

	c := &consumer{
		channelID: channel.ID,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
	m.consumers[channel.ID] = c

	go m.run(channel, c)
}

// Stop stops the channel's consumer and waits for it to exit
func (m *Manager) Stop(ctx context.Context, channelID uuid.UUID) {
	m.mu.Lock()
	c, ok := m.consumers[channelID]
	if ok {
		delete(m.consumers, channelID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	close(c.stopCh)
	select {
	case <-c.stoppedC:
	case <-ctx.Done():
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"channel_id": channelID,
		}).Warn("stream consumer shutdown timed out")
	}
}

// StopAll stops every consumer, used at shutdown
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.consumers))
	for id := range m.consumers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(ctx, id)
	}
	return nil
}

// run supervises the channel's stream: dial, consume, reconnect. It exits
// when stopped or after the configured attempts are exhausted.
func (m *Manager) run(channel *models.Channel, c *consumer) {
	defer close(c.stoppedC)
	defer m.forget(channel.ID)

	// Consumers outlive the originating request
	ctx := appctx.SetTenantID(context.Background(), channel.TenantID.String())

	var lastErr error
	backoff := m.config.Backoff

	for attempt := 0; attempt < m.config.MaxAttempts; attempt++ {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, endpoint, err := m.dial(ctx, channel)
		if err != nil {
			lastErr = err
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"channel_id": channel.ID,
				"attempt":    attempt + 1,
			}).Warn("stream dial round failed")

			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		// A successful connection resets the attempt counter
		attempt = -1
		backoff = m.config.Backoff

		metrics.StreamsActive.Inc()
		if m.handlers.OnOpen != nil {
			m.handlers.OnOpen(ctx, channel, endpoint)
		}

		err = m.consume(ctx, channel, conn, c.stopCh)
		metrics.StreamsActive.Dec()
		conn.Close()

		if err == nil {
			// Stopped deliberately
			return
		}

		lastErr = err
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
		}).Warn("stream connection lost, reconnecting")
	}

	m.logger.WithContext(ctx).WithError(lastErr).WithFields(map[string]any{
		"channel_id": channel.ID,
	}).Error("event stream unavailable")

	if m.handlers.OnUnavailable != nil {
		m.handlers.OnUnavailable(ctx, channel, lastErr)
	}
}

// dial tries the preferred endpoint, then exactly one alternate
func (m *Manager) dial(ctx context.Context, channel *models.Channel) (Conn, string, error) {
	urls := m.gateway.StreamURLs(channel)
	if len(urls) > 2 {
		urls = urls[:2]
	}

	header := http.Header{}
	if channel.Token != "" {
		header.Set("Authorization", "Bearer "+channel.Token)
	}

	var lastErr error
	for i, endpoint := range urls {
		conn, err := m.dialer.Dial(ctx, endpoint, header)
		if err == nil {
			if i > 0 {
				metrics.StreamFallbacksTotal.Inc()
			}
			return conn, endpoint, nil
		}
		lastErr = err
	}

	return nil, "", lastErr
}

// consume reads frames until the connection drops or the consumer stops.
// Returns nil on deliberate stop.
func (m *Manager) consume(ctx context.Context, channel *models.Channel, conn Conn, stopCh <-chan struct{}) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-stopCh
		cancel()
	}()

	for {
		raw, err := conn.Read(readCtx)
		if err != nil {
			select {
			case <-stopCh:
				return nil
			default:
				return err
			}
		}

		env, err := DecodeEnvelope(raw)
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"channel_id": channel.ID,
			}).Warn("unparseable stream frame")
			continue
		}

		m.dispatch(ctx, channel, env)
	}
}

func (m *Manager) dispatch(ctx context.Context, channel *models.Channel, env *Envelope) {
	switch env.Event {
	case EventMessagesUpsert, EventMessageReceived:
		if m.handlers.OnMessage != nil {
			m.handlers.OnMessage(ctx, channel, env.Data)
		}
	case EventConnectionUpdate:
		if m.handlers.OnConnectionUpdate != nil {
			m.handlers.OnConnectionUpdate(ctx, channel, env.Data)
		}
	case EventQRCodeUpdated:
		if m.handlers.OnQRCode != nil {
			m.handlers.OnQRCode(ctx, channel, env.Data)
		}
	default:
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"channel_id": channel.ID,
			"event":      env.Event,
		}).Debug("ignoring stream event")
	}
}

func (m *Manager) forget(channelID uuid.UUID) {
	m.mu.Lock()
	delete(m.consumers, channelID)
	m.mu.Unlock()
}
