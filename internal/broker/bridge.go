package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/amuzetnoM/herald/internal/models"
)

// APIError is a non-2xx answer from the terminal bridge.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Status, e.Body)
}

// BridgeClient talks to the local terminal gateway over HTTP JSON. The
// gateway runs next to the trading terminal and translates these calls into
// terminal operations; credentials are sent once on Connect and held by the
// gateway for the session.
type BridgeClient struct {
	client  *http.Client
	baseURL string

	login    int64
	password string
	server   string
}

var _ Broker = (*BridgeClient)(nil)

// NewBridgeClient builds a client for the gateway at baseURL.
func NewBridgeClient(baseURL string, login int64, password, server string, timeout time.Duration) *BridgeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BridgeClient{
		client:   &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		login:    login,
		password: password,
		server:   server,
	}
}

func (b *BridgeClient) makeRequest(ctx context.Context, method, endpoint string, params url.Values, body, response interface{}) error {
	u := b.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "herald/1.0")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> unreadable error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(raw))}
	}
	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

type connectRequest struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

func (b *BridgeClient) Connect(ctx context.Context) error {
	body := connectRequest{Login: b.login, Password: b.password, Server: b.server}
	return b.makeRequest(ctx, http.MethodPost, "/connect", nil, body, nil)
}

func (b *BridgeClient) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.makeRequest(ctx, http.MethodPost, "/disconnect", nil, nil, nil)
}

func (b *BridgeClient) Ping(ctx context.Context) error {
	return b.makeRequest(ctx, http.MethodGet, "/ping", nil, nil, nil)
}

func (b *BridgeClient) AccountInfo(ctx context.Context) (*models.AccountSnapshot, error) {
	var out models.AccountSnapshot
	if err := b.makeRequest(ctx, http.MethodGet, "/account", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BridgeClient) Bars(ctx context.Context, symbol string, tf models.Timeframe, count int) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("timeframe", string(tf))
	params.Set("count", strconv.Itoa(count))
	var out []models.Bar
	if err := b.makeRequest(ctx, http.MethodGet, "/bars", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BridgeClient) SymbolSpec(ctx context.Context, symbol string) (*SymbolSpec, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out SymbolSpec
	if err := b.makeRequest(ctx, http.MethodGet, "/symbol", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BridgeClient) OpenPositions(ctx context.Context, magic int64) ([]models.PositionRecord, error) {
	params := url.Values{}
	if magic != 0 {
		params.Set("magic", strconv.FormatInt(magic, 10))
	}
	var out []models.PositionRecord
	if err := b.makeRequest(ctx, http.MethodGet, "/positions", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BridgeClient) SubmitOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderOutcome, error) {
	var out models.OrderOutcome
	if err := b.makeRequest(ctx, http.MethodPost, "/order", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type closeRequest struct {
	Ticket    int64   `json:"ticket"`
	Volume    float64 `json:"volume"`
	Deviation int     `json:"deviation"`
	Comment   string  `json:"comment"`
}

func (b *BridgeClient) ClosePosition(ctx context.Context, ticket int64, volume float64, deviation int, comment string) (*models.OrderOutcome, error) {
	body := closeRequest{Ticket: ticket, Volume: volume, Deviation: deviation, Comment: comment}
	var out models.OrderOutcome
	if err := b.makeRequest(ctx, http.MethodPost, "/close", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BridgeClient) OrderByTag(ctx context.Context, tag string) (*models.OrderOutcome, error) {
	params := url.Values{}
	params.Set("tag", tag)
	var out models.OrderOutcome
	if err := b.makeRequest(ctx, http.MethodGet, "/order", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *BridgeClient) OrderStatus(ctx context.Context, ticket int64) (*models.OrderOutcome, error) {
	params := url.Values{}
	params.Set("ticket", strconv.FormatInt(ticket, 10))
	var out models.OrderOutcome
	if err := b.makeRequest(ctx, http.MethodGet, "/order", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type cancelRequest struct {
	Ticket int64 `json:"ticket"`
}

func (b *BridgeClient) CancelOrder(ctx context.Context, ticket int64) error {
	return b.makeRequest(ctx, http.MethodPost, "/cancel", nil, cancelRequest{Ticket: ticket}, nil)
}
