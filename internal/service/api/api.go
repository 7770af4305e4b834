// Package api is the REST client for the messaging backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/protocol/envelope"
	"e2ee_messenger/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Client struct {
		base  *url.URL
		http  *http.Client
		token model.TokenSupplier
	}

	// StatusError is a non-2xx answer.
	StatusError struct {
		Method string
		Path   string
		Code   int
		Body   string
	}

	// flexID accepts both numeric and string ids.
	flexID string

	peerWire struct {
		ID            flexID `json:"id"`
		FirstName     string `json:"first_name"`
		LastName      string `json:"last_name"`
		Email         string `json:"email"`
		WalletAddress string `json:"wallet_address"`
		AvatarURL     string `json:"avatar_url"`
	}

	indexRowWire struct {
		peerWire
		UpdatedAt    string `json:"updatedAt"`
		Unread       int    `json:"unread"`
		LastText     string `json:"lastText"`
		HasPublicKey bool   `json:"has_public_key"`
	}

	historyWire struct {
		Results  []json.RawMessage `json:"results"`
		NextPage *int              `json:"next_page"`
		Count    int               `json:"count"`
	}

	publicKeyWire struct {
		ID        flexID  `json:"id"`
		PublicKey *string `json:"public_key"`
	}

	bootStatusWire struct {
		ID           flexID `json:"id"`
		Email        string `json:"email"`
		HasPublicKey bool   `json:"has_public_key"`
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: id %s", model.ErrMalformedInput, b)
	}
	*f = flexID(n.String())
	return nil
}

func (p peerWire) model() model.Peer {
	return model.Peer{
		ID:            string(p.ID),
		FirstName:     p.FirstName,
		LastName:      p.LastName,
		Email:         p.Email,
		WalletAddress: p.WalletAddress,
		AvatarURL:     p.AvatarURL,
	}
}

func NewClient(baseURL string, timeout time.Duration, token model.TokenSupplier) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	return &Client{
		base:  u,
		http:  &http.Client{Timeout: timeout},
		token: token,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrMalformedInput, path, err)
	}
	return nil
}

// ConversationsIndex fetches GET /conversations/index/.
func (c *Client) ConversationsIndex(ctx context.Context) ([]model.IndexRow, error) {
	var rows []indexRowWire
	if err := c.do(ctx, http.MethodGet, "/conversations/index/", nil, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.IndexRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.IndexRow{
			Peer:         r.peerWire.model(),
			LastText:     r.LastText,
			UpdatedAt:    r.UpdatedAt,
			Unread:       r.Unread,
			HasPublicKey: r.HasPublicKey,
		})
	}
	return out, nil
}

// History fetches one page of envelopes exchanged with peer. Rows that cannot
// be decoded are skipped; the rest of the page is still returned.
func (c *Client) History(ctx context.Context, peer string, page, limit int, since time.Time) (*model.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var wire historyWire
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(peer)+"/", q, nil, &wire); err != nil {
		return nil, err
	}

	out := &model.HistoryPage{Count: wire.Count}
	if wire.NextPage != nil {
		out.NextPage = *wire.NextPage
	}
	for _, raw := range wire.Results {
		env, err := envelope.DecodeEnvelope(raw)
		if err != nil {
			log.Debug("skipping malformed history row", zap.String("peer", peer), zap.Error(err))
			continue
		}
		out.Results = append(out.Results, *env)
	}
	return out, nil
}

// MarkRead is POST /conversations/mark_read/{peer}/.
func (c *Client) MarkRead(ctx context.Context, peer string) error {
	return c.do(ctx, http.MethodPost, "/conversations/mark_read/"+url.PathEscape(peer)+"/", nil, nil, nil)
}

// PublicKey returns the PEM the server holds for userID, or "" when the user
// has not registered one.
func (c *Client) PublicKey(ctx context.Context, userID string) (string, error) {
	var wire publicKeyWire
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/public_key/", nil, nil, &wire); err != nil {
		return "", err
	}
	if wire.PublicKey == nil {
		return "", nil
	}
	return *wire.PublicKey, nil
}

// RegisterPublicKey is POST /generate_keys/. The server refuses a second key
// with a 400 which is mapped to model.ErrKeyAlreadyRegistered.
func (c *Client) RegisterPublicKey(ctx context.Context, publicPEM string) error {
	err := c.do(ctx, http.MethodPost, "/generate_keys/", nil, map[string]string{"public_key": publicPEM}, nil)
	if se, ok := err.(*StatusError); ok && se.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(se.Body), "already") {
		return model.ErrKeyAlreadyRegistered
	}
	return err
}

// SearchUsers is GET /users/search/?q=.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.Peer, error) {
	var rows []peerWire
	if err := c.do(ctx, http.MethodGet, "/users/search/", url.Values{"q": {query}}, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.Peer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// BootStatus is GET /users/me/boot_status/.
func (c *Client) BootStatus(ctx context.Context) (*model.BootStatus, error) {
	var wire bootStatusWire
	if err := c.do(ctx, http.MethodGet, "/users/me/boot_status/", nil, nil, &wire); err != nil {
		return nil, err
	}
	return &model.BootStatus{ID: string(wire.ID), Email: wire.Email, HasPublicKey: wire.HasPublicKey}, nil
}
