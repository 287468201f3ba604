package smsclient

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// Number is a rented phone number and the provider's activation id.
type Number struct {
	ActivationID string
	PhoneNumber  string
}

type StatusState string

const (
	StateWaitCode   StatusState = "STATUS_WAIT_CODE"
	StateWaitRetry  StatusState = "STATUS_WAIT_RETRY"
	StateWaitResend StatusState = "STATUS_WAIT_RESEND"
	StateOK         StatusState = "STATUS_OK"
	StateCancel     StatusState = "STATUS_CANCEL"
)

type Status struct {
	State StatusState
	// Code is the received code for STATUS_OK, or the last code for STATUS_WAIT_RETRY.
	Code string
}

// Waiting reports whether the provider is still waiting for an SMS.
func (s *Status) Waiting() bool {
	return s.State == StateWaitCode || s.State == StateWaitRetry || s.State == StateWaitResend
}

type ServicePrice struct {
	Country string
	Service string
	Cost    decimal.Decimal
	Count   int64
}

// ProviderError is an error code answered in place of a result, e.g. NO_NUMBERS.
type ProviderError struct {
	Code string
}

func (e *ProviderError) Error() string {
	return "sms provider error: " + e.Code
}

func (e *ProviderError) Is(target error) bool {
	if e.transient() {
		return target == domain.ErrProviderUnavailable
	}
	return target == domain.ErrProviderRejected
}

func (e *ProviderError) transient() bool {
	switch e.Code {
	case "ERROR_SQL", "SQL_ERROR", "NO_CONNECTION", "SERVER_ERROR":
		return true
	}
	return false
}

var errorCodes = map[string]bool{
	"NO_NUMBERS":          true,
	"NO_BALANCE":          true,
	"BAD_KEY":             true,
	"BAD_ACTION":          true,
	"BAD_SERVICE":         true,
	"BAD_COUNTRY":         true,
	"BAD_STATUS":          true,
	"NO_ACTIVATION":       true,
	"WRONG_ACTIVATION_ID": true,
	"WRONG_SERVICE":       true,
	"EARLY_CANCEL_DENIED": true,
	"ERROR_SQL":           true,
	"SQL_ERROR":           true,
	"NO_CONNECTION":       true,
	"SERVER_ERROR":        true,
}

// classifyError recognises the bare error answers shared by every action. BANNED and
// WRONG_MAX_PRICE carry a suffix after the colon.
func classifyError(body string) error {
	head := body
	if i := strings.IndexByte(body, ':'); i >= 0 {
		head = body[:i]
	}
	if errorCodes[head] || head == "BANNED" || head == "WRONG_MAX_PRICE" {
		return &ProviderError{Code: head}
	}
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type numberJSON struct {
	ActivationID flexString `json:"activationId"`
	PhoneNumber  flexString `json:"phoneNumber"`
}

func parseNumber(body string, idFirst bool) (*Number, error) {
	if strings.HasPrefix(body, "{") {
		var n numberJSON
		if err := json.Unmarshal([]byte(body), &n); err != nil || n.ActivationID == "" || n.PhoneNumber == "" {
			return nil, domain.ProviderRejectedf("unexpected getNumber answer: %q", body)
		}
		return &Number{ActivationID: string(n.ActivationID), PhoneNumber: string(n.PhoneNumber)}, nil
	}

	parts := strings.Split(body, ":")
	if len(parts) != 3 || parts[0] != "ACCESS_NUMBER" || parts[1] == "" || parts[2] == "" {
		return nil, domain.ProviderRejectedf("unexpected getNumber answer: %q", body)
	}
	if idFirst {
		return &Number{ActivationID: parts[1], PhoneNumber: parts[2]}, nil
	}
	return &Number{PhoneNumber: parts[1], ActivationID: parts[2]}, nil
}

func parseStatus(body string) (*Status, error) {
	if strings.HasPrefix(body, "{") {
		var s struct {
			Status string `json:"status"`
			Code   string `json:"code"`
		}
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			return nil, domain.ProviderRejectedf("unexpected getStatus answer: %q", body)
		}
		body = s.Status
		if s.Code != "" {
			body += ":" + s.Code
		}
	}

	state, code, _ := strings.Cut(body, ":")
	switch StatusState(state) {
	case StateWaitCode, StateWaitResend, StateCancel:
		return &Status{State: StatusState(state)}, nil
	case StateWaitRetry:
		return &Status{State: StateWaitRetry, Code: code}, nil
	case StateOK:
		if code == "" {
			return nil, domain.ProviderRejectedf("STATUS_OK without a code")
		}
		return &Status{State: StateOK, Code: code}, nil
	}
	return nil, domain.ProviderRejectedf("unexpected getStatus answer: %q", body)
}

func parseAck(body string) (string, error) {
	switch body {
	case "ACCESS_READY", "ACCESS_RETRY_GET", "ACCESS_ACTIVATION", "ACCESS_CANCEL", "ACCESS_CANCEL_ALREADY":
		return body, nil
	}
	return "", domain.ProviderRejectedf("unexpected setStatus answer: %q", body)
}

type priceJSON struct {
	ID       string          `json:"id"`
	Service  string          `json:"service"`
	Country  flexString      `json:"country"`
	Cost     decimal.Decimal `json:"cost"`
	Price    decimal.Decimal `json:"price"`
	Count    decimal.Decimal `json:"count"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (p priceJSON) toServicePrice(country, service string) ServicePrice {
	if service == "" {
		service = p.Service
		if service == "" {
			service = p.ID
		}
	}
	if country == "" {
		country = string(p.Country)
	}
	cost := p.Cost
	if cost.IsZero() {
		cost = p.Price
	}
	count := p.Count
	if count.IsZero() {
		count = p.Quantity
	}
	return ServicePrice{Country: country, Service: service, Cost: cost, Count: count.IntPart()}
}

func isPriceObject(raw map[string]json.RawMessage) bool {
	for _, key := range []string{"cost", "price", "count", "quantity"} {
		if _, ok := raw[key]; ok {
			return true
		}
	}
	return false
}

// parsePrices accepts a flat array of price rows, a {service: price} map, or a
// {country: {service: price}} map.
func parsePrices(body, country string) ([]ServicePrice, error) {
	raw := []byte(body)
	var out []ServicePrice

	if strings.HasPrefix(body, "[") {
		var rows []priceJSON
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, domain.ProviderRejectedf("unexpected getServicesAndCost answer: %v", err)
		}
		for _, row := range rows {
			out = append(out, row.toServicePrice(country, ""))
		}
		return out, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, domain.ProviderRejectedf("unexpected getServicesAndCost answer: %q", body)
	}
	for key, value := range top {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(value, &inner); err != nil {
			return nil, domain.ProviderRejectedf("unexpected getServicesAndCost entry %q", key)
		}
		if isPriceObject(inner) {
			var p priceJSON
			if err := json.Unmarshal(value, &p); err != nil {
				return nil, domain.ProviderRejectedf("unexpected getServicesAndCost entry %q: %v", key, err)
			}
			out = append(out, p.toServicePrice(country, key))
			continue
		}
		for service, priceRaw := range inner {
			var p priceJSON
			if err := json.Unmarshal(priceRaw, &p); err != nil {
				return nil, domain.ProviderRejectedf("unexpected getServicesAndCost entry %q/%q: %v", key, service, err)
			}
			out = append(out, p.toServicePrice(key, service))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Country != out[j].Country {
			return out[i].Country < out[j].Country
		}
		return out[i].Service < out[j].Service
	})
	return out, nil
}

// FindPrice returns the price of service in country from prices.
func FindPrice(prices []ServicePrice, country, service string) (ServicePrice, bool) {
	for _, p := range prices {
		if p.Service == service && (country == "" || p.Country == country) {
			return p, true
		}
	}
	return ServicePrice{}, false
}
