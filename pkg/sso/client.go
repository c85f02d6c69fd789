package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/reelapps/authsync/pkg/session"
)

// exchangeRequest is the body of POST /auth/sso/exchange.
type exchangeRequest struct {
	Token string `json:"token"`
	Host  string `json:"host"`
}

// RemoteExchanger redeems tokens against the holder over HTTP. It is what
// a sub-application uses.
type RemoteExchanger struct {
	endpoint string
	client   *http.Client
}

// NewRemoteExchanger targets the exchange endpoint of holderHost. A nil
// client gets a 10 second timeout.
func NewRemoteExchanger(holderHost string, client *http.Client) *RemoteExchanger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	u := url.URL{Scheme: "https", Host: holderHost, Path: ExchangePath}
	return &RemoteExchanger{endpoint: u.String(), client: client}
}

// WithEndpoint overrides the exchange URL.
func (e *RemoteExchanger) WithEndpoint(endpoint string) *RemoteExchanger {
	e.endpoint = endpoint
	return e
}

func (e *RemoteExchanger) Exchange(ctx context.Context, token, host string) (*session.Record, error) {
	body, err := json.Marshal(exchangeRequest{Token: token, Host: host})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: holder rejected token", ErrInvalidToken)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange failed with status %d", resp.StatusCode)
	}
	return session.Decode(data)
}

var _ Exchanger = (*RemoteExchanger)(nil)
