package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/petalcrm/sundew/pkg/httpclient"
	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/tracing"
)

// Gateway is the outbound API surface of the messaging gateway
type Gateway interface {
	Status(ctx context.Context, channel *models.Channel) (*InstanceStatus, error)
	Pair(ctx context.Context, channel *models.Channel) (*PairingCode, error)
	Logout(ctx context.Context, channel *models.Channel) error
	RegisterWebhook(ctx context.Context, channel *models.Channel, webhookURL string) error
	StreamURLs(channel *models.Channel) []string
}

// Config holds gateway client configuration
type Config struct {
	BaseURL string
}

// Client talks to the messaging gateway's management API
type Client struct {
	http    *httpclient.Client
	baseURL string
	logger  ectologger.Logger
}

// NewClient creates a new gateway client
func NewClient(cfg Config, httpClient *httpclient.Client, logger ectologger.Logger) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

func (c *Client) headers(channel *models.Channel) (map[string]string, error) {
	if channel.Token == "" {
		return nil, &ConfigError{Message: fmt.Sprintf("channel '%s' has no gateway token", channel.Name)}
	}
	return map[string]string{
		"Authorization": "Bearer " + channel.Token,
	}, nil
}

func (c *Client) check(op string, resp *httpclient.Response, err error) error {
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "0").Inc()
		return &TransportError{Op: op, Err: err}
	}

	metrics.GatewayRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Message: fmt.Sprintf("gateway rejected credentials (%d): %s", resp.StatusCode, strings.TrimSpace(string(resp.Body)))}
	case resp.StatusCode >= 400:
		return &TransportError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	return nil
}

// Status probes the gateway for the instance's current connection state
func (c *Client) Status(ctx context.Context, channel *models.Channel) (*InstanceStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.Status")
	defer span.End()

	headers, err := c.headers(channel)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/instances/%s/status", c.baseURL, url.PathEscape(channel.Instance))
	resp, err := c.http.Get(ctx, endpoint, headers)
	if err := c.check("status", resp, err); err != nil {
		return nil, err
	}

	var status InstanceStatus
	if err := resp.DecodeJSON(&status); err != nil {
		return nil, &TransportError{Op: "status", Err: fmt.Errorf("malformed status response: %w", err)}
	}

	return &status, nil
}

// Pair requests a fresh QR pairing code for the instance
func (c *Client) Pair(ctx context.Context, channel *models.Channel) (*PairingCode, error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.Pair")
	defer span.End()

	headers, err := c.headers(channel)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/instances/%s/qrcode", c.baseURL, url.PathEscape(channel.Instance))
	resp, err := c.http.PostJSON(ctx, endpoint, nil, headers)
	if err := c.check("pair", resp, err); err != nil {
		return nil, err
	}

	var code PairingCode
	if err := resp.DecodeJSON(&code); err != nil {
		return nil, &TransportError{Op: "pair", Err: fmt.Errorf("malformed qrcode response: %w", err)}
	}
	if code.Code == "" {
		return nil, &TransportError{Op: "pair", Err: fmt.Errorf("gateway returned an empty pairing code")}
	}

	return &code, nil
}

// Logout tells the gateway to unbind the instance's device session
func (c *Client) Logout(ctx context.Context, channel *models.Channel) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.Logout")
	defer span.End()

	headers, err := c.headers(channel)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/instances/%s/logout", c.baseURL, url.PathEscape(channel.Instance))
	resp, err := c.http.PostJSON(ctx, endpoint, nil, headers)
	return c.check("logout", resp, err)
}

// RegisterWebhook points the gateway's delivery callback at webhookURL.
// Gateway builds differ in how the webhook endpoint is shaped, so the known
// variants are tried in order until one succeeds.
func (c *Client) RegisterWebhook(ctx context.Context, channel *models.Channel, webhookURL string) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.RegisterWebhook")
	defer span.End()

	headers, err := c.headers(channel)
	if err != nil {
		return err
	}

	instance := url.PathEscape(channel.Instance)
	variants := []struct {
		endpoint string
		body     any
	}{
		{fmt.Sprintf("%s/instances/%s/webhook", c.baseURL, instance), map[string]any{"url": webhookURL}},
		{fmt.Sprintf("%s/instances/%s/webhook", c.baseURL, instance), map[string]any{"webhook": map[string]any{"url": webhookURL}}},
		{fmt.Sprintf("%s/webhook/set/%s", c.baseURL, instance), map[string]any{"url": webhookURL}},
	}

	var lastErr error
	for _, variant := range variants {
		resp, err := c.http.PostJSON(ctx, variant.endpoint, variant.body, headers)
		err = c.check("register_webhook", resp, err)
		if err == nil {
			return nil
		}
		if IsAuthError(err) || IsConfigError(err) {
			return err
		}

		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"channel_id": channel.ID,
			"endpoint":   variant.endpoint,
		}).Debug("webhook registration variant failed")
		lastErr = err
	}

	return lastErr
}

// StreamURLs returns the websocket endpoints for the instance's live event
// stream, preferred endpoint first. Exactly one fallback is attempted.
func (c *Client) StreamURLs(channel *models.Channel) []string {
	wsBase := c.baseURL
	wsBase = strings.Replace(wsBase, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)

	instance := url.PathEscape(channel.Instance)
	return []string{
		fmt.Sprintf("%s/instances/%s/ws/events", wsBase, instance),
		fmt.Sprintf("%s/instances/%s/events", wsBase, instance),
	}
}
