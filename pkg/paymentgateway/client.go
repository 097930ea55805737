/**
 * @description
 * This package provides a client for the external payment gateway. The core
 * treats the gateway as an opaque confirmation source: a charge is created
 * against a reservation and the outcome arrives either on the synchronous
 * confirm endpoint or as a payment.status event over the broker.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest is the payload for creating a charge. Reference carries the
// bestowal ID so asynchronous status events can be correlated back.
type ChargeRequest struct {
	Reference   uuid.UUID `json:"reference"`
	Amount      int64     `json:"amount"` // in cents
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	Description string    `json:"description"`
}

// ChargeResponse is the gateway's acknowledgement of a charge request.
type ChargeResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error returned by the gateway API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("gateway api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown gateway api error"
}

// IsExplicitDecline reports whether the gateway definitively refused the
// charge, as opposed to an ambiguous transport or server failure. Only
// explicit declines may release a reservation early; ambiguous failures wait
// out the TTL so a charge that actually went through can still be committed.
func (e *ErrorResponse) IsExplicitDecline() bool {
	if e.StatusCode == http.StatusPaymentRequired || e.StatusCode == http.StatusUnprocessableEntity {
		return true
	}
	for _, apiErr := range e.Errors {
		switch apiErr.Code {
		case "card_declined", "insufficient_funds", "payment_declined":
			return true
		}
	}
	return false
}

// CreateCharge asks the gateway to charge the bestower for a reservation.
func (c *Client) CreateCharge(ctx context.Context, chargeReq ChargeRequest) (*ChargeResponse, error) {
	body, err := json.Marshal(chargeReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/charges", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute charge request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=create_charge status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=gateway_client op=create_charge status=%d reference=%s detail=%q", resp.StatusCode, chargeReq.Reference, firstErrorDetail(errResp))
		return nil, &errResp
	}

	var chargeResp ChargeResponse
	if err := json.Unmarshal(bodyBytes, &chargeResp); err != nil {
		return nil, fmt.Errorf("failed to decode charge response: %w", err)
	}

	return &chargeResp, nil
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
