// Package crm integrates with the lead management service.
package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/petalcrm/sundew/pkg/httpclient"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/phone"
	"github.com/petalcrm/sundew/pkg/tracing"
)

// Lead is the CRM's view of a sales lead
type Lead struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Phone  string    `json:"phone"`
	Source string    `json:"source"`
}

// LeadService is the outbound surface of the CRM. Both operations are
// best-effort side effects of reconciliation; failures never fail ingestion.
type LeadService interface {
	// EnsureLead creates a lead for the contact if none exists. Returns
	// the lead and whether it was created by this call.
	EnsureLead(ctx context.Context, contact *models.Contact) (*Lead, bool, error)

	// FindLeadByPhone looks for an existing lead whose number matches the
	// canonical phone, tolerating differing country prefixes.
	FindLeadByPhone(ctx context.Context, tenantID uuid.UUID, canonicalPhone string) (*Lead, error)
}

// Config holds CRM client configuration
type Config struct {
	BaseURL string
	APIKey  string
}

// Client is the HTTP implementation of LeadService
type Client struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	logger  ectologger.Logger
}

// NewClient creates a new CRM client
func NewClient(cfg Config, httpClient *httpclient.Client, logger ectologger.Logger) *Client {
	return &Client{
		http:    httpClient,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

func (c *Client) headers(tenantID uuid.UUID) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"X-Tenant-ID":   tenantID.String(),
	}
}

// EnsureLead creates or fetches the lead for a contact. The CRM upserts on
// phone, answering 201 for a fresh lead and 200 for an existing one.
func (c *Client) EnsureLead(ctx context.Context, contact *models.Contact) (*Lead, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "crm.EnsureLead")
	defer span.End()

	name := contact.Phone
	if contact.Name != nil {
		name = *contact.Name
	}
	source := "messaging"
	if contact.OriginSource != nil {
		source = *contact.OriginSource
	}

	body := map[string]any{
		"phone":  contact.Phone,
		"name":   name,
		"source": source,
	}

	resp, err := c.http.PostJSON(ctx, c.baseURL+"/api/v1/leads", body, c.headers(contact.TenantID))
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, false, fmt.Errorf("crm answered %d creating lead", resp.StatusCode)
	}

	var lead Lead
	if err := resp.DecodeJSON(&lead); err != nil {
		return nil, false, fmt.Errorf("malformed lead response: %w", err)
	}

	return &lead, resp.StatusCode == http.StatusCreated, nil
}

// FindLeadByPhone searches the CRM by the number's trailing digits and
// verifies candidates with a trailing-substring match, since lead forms and
// gateways disagree about country prefixes.
func (c *Client) FindLeadByPhone(ctx context.Context, tenantID uuid.UUID, canonicalPhone string) (*Lead, error) {
	ctx, span := tracing.StartSpan(ctx, "crm.FindLeadByPhone")
	defer span.End()

	searchKey := phone.LastDigits(canonicalPhone, 8)
	endpoint := fmt.Sprintf("%s/api/v1/leads/search?phone=%s", c.baseURL, url.QueryEscape(searchKey))

	resp, err := c.http.Get(ctx, endpoint, c.headers(tenantID))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crm answered %d searching leads", resp.StatusCode)
	}

	var leads []Lead
	if err := resp.DecodeJSON(&leads); err != nil {
		return nil, fmt.Errorf("malformed lead search response: %w", err)
	}

	for i := range leads {
		if phone.TrailingMatch(canonicalPhone, phone.Canonical(leads[i].Phone)) {
			return &leads[i], nil
		}
	}

	return nil, nil
}
