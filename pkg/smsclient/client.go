/**
 * @description
 * Client for the number-provisioning API (SMS-Activate compatible handler). Every call is a GET
 * keyed by `action`; answers are either JSON or colon-delimited strings such as
 * `ACCESS_NUMBER:<number>:<id>` and are parsed defensively. Unrecognised answers surface as
 * domain.ErrProviderRejected, transient failures as domain.ErrProviderUnavailable.
 *
 * @dependencies
 * - internal/gateway: shared retry policy and per-call timeout.
 * - github.com/shopspring/decimal: provider prices.
 */
package smsclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
)

// Activation status codes accepted by setStatus.
const (
	SetStatusReady        = 1
	SetStatusAnotherCode  = 3
	SetStatusComplete     = 6
	SetStatusCancel       = 8
	maxResponseBodyLength = 64 << 10
)

// Client is a client for the provisioning API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Policy     gateway.RetryPolicy
	// IDFirst flips the ACCESS_NUMBER field order to ACCESS_NUMBER:<id>:<number>.
	IDFirst bool
}

// NewClient creates a new provisioning client.
func NewClient(baseURL, apiKey string, policy gateway.RetryPolicy) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: policy.Timeout},
		Policy:     policy,
	}
}

// GetNumber rents a number for service in country.
func (c *Client) GetNumber(ctx context.Context, service, country string) (*Number, error) {
	if strings.TrimSpace(service) == "" || strings.TrimSpace(country) == "" {
		return nil, domain.ValidationErrorf("service and country are required")
	}
	body, err := c.call(ctx, "getNumber", url.Values{"service": {service}, "country": {country}})
	if err != nil {
		return nil, err
	}
	return parseNumber(body, c.IDFirst)
}

// GetStatus reports whether a code has arrived for the activation.
func (c *Client) GetStatus(ctx context.Context, activationID string) (*Status, error) {
	if activationID == "" {
		return nil, domain.ValidationErrorf("activation id is required")
	}
	body, err := c.call(ctx, "getStatus", url.Values{"id": {activationID}})
	if err != nil {
		return nil, err
	}
	return parseStatus(body)
}

// SetStatus changes the activation state and returns the provider's acknowledgement
// (ACCESS_READY, ACCESS_RETRY_GET, ACCESS_ACTIVATION or ACCESS_CANCEL).
func (c *Client) SetStatus(ctx context.Context, activationID string, status int) (string, error) {
	if activationID == "" {
		return "", domain.ValidationErrorf("activation id is required")
	}
	body, err := c.call(ctx, "setStatus", url.Values{"id": {activationID}, "status": {strconv.Itoa(status)}})
	if err != nil {
		return "", err
	}
	return parseAck(body)
}

// GetServicesAndCost lists prices, optionally filtered by country and service.
func (c *Client) GetServicesAndCost(ctx context.Context, country, service string) ([]ServicePrice, error) {
	params := url.Values{}
	if country != "" {
		params.Set("country", country)
	}
	if service != "" {
		params.Set("service", service)
	}
	body, err := c.call(ctx, "getServicesAndCost", params)
	if err != nil {
		return nil, err
	}
	return parsePrices(body, country)
}

func (c *Client) call(ctx context.Context, action string, params url.Values) (string, error) {
	params.Set("api_key", c.APIKey)
	params.Set("action", action)
	endpoint := c.BaseURL
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + params.Encode()
	} else {
		endpoint += "?" + params.Encode()
	}

	var body string
	err := gateway.Retry(ctx, c.Policy, func(ctx context.Context) error {
		raw, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		if err := classifyError(raw); err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		body = raw
		return nil
	})
	return body, err
}

func (c *Client) get(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", domain.ProviderUnavailablef("sms provider: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLength))
	if err != nil {
		return "", domain.ProviderUnavailablef("sms provider: read response: %v", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", domain.ProviderUnavailablef("sms provider returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", domain.ProviderRejectedf("sms provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return strings.TrimSpace(string(raw)), nil
}
