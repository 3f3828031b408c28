package pixhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/TrackFunnel/internal/integrations/pix"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type reqBody struct {
	Amount      string        `json:"amount"`
	Description string        `json:"description,omitempty"`
	Payer       pix.PayerInfo `json:"payer"`
}

type respBody struct {
	Success     bool   `json:"success"`
	PayloadCode string `json:"payloadCode"`
	ReferenceID string `json:"referenceId"`
	Error       string `json:"error,omitempty"`
}

func (c *Client) CreateTransaction(ctx context.Context, payer pix.PayerInfo, amount decimal.Decimal, description string) (pix.Transaction, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return pix.Transaction{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/transactions"

	body, err := json.Marshal(reqBody{
		Amount:      amount.StringFixed(2),
		Description: description,
		Payer:       payer,
	})
	if err != nil {
		return pix.Transaction{}, errors.Wrap(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return pix.Transaction{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return pix.Transaction{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return pix.Transaction{}, fmt.Errorf("pix gateway rate limit (429)")
	}
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusUnprocessableEntity {
		return pix.Transaction{}, fmt.Errorf("pix gateway http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return pix.Transaction{}, errors.Wrap(err, "decode")
	}
	if !rb.Success {
		reason := rb.Error
		if reason == "" {
			reason = "no reason given"
		}
		return pix.Transaction{}, errors.Wrap(pix.ErrRejected, reason)
	}
	if rb.PayloadCode == "" {
		return pix.Transaction{}, errors.New("pix gateway returned an empty payload")
	}

	return pix.Transaction{
		ReferenceID: rb.ReferenceID,
		PayloadCode: rb.PayloadCode,
		Amount:      amount,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
