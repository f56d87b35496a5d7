// Package gameserver is the HTTP client for the siggame game server:
// setting up a match room, polling match status, and downloading the
// finished gamelog.
package gameserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

const passwordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Client talks to one gameserver's web API.
type Client struct {
	host       string
	webPort    string
	httpClient *http.Client
}

// New builds a gameserver client against host:webPort.
func New(host, webPort string) *Client {
	return &Client{
		host:    host,
		webPort: webPort,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ClientResult is one player's outcome within a finished match, as
// reported by /status.
type ClientResult struct {
	Name   string `json:"name"`
	Won    bool   `json:"won"`
	Lost   bool   `json:"lost"`
	Reason string `json:"reason"`
}

// MatchStatus is the body returned by GET /status/<game>/<session>.
type MatchStatus struct {
	Status          string         `json:"status"`
	GamelogFilename string         `json:"gamelogFilename"`
	Clients         []ClientResult `json:"clients"`
}

// GeneratePassword produces a random 16-letter room password.
func GeneratePassword() (string, error) {
	b := make([]byte, 16)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordChars))))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = passwordChars[n.Int64()]
	}
	return string(b), nil
}

// SetupRoom POSTs /setup with the game name, session, password, and
// player names. A non-2xx response is returned as an error carrying the
// response body.
func (c *Client) SetupRoom(ctx context.Context, gameName, session, password string, playerNames [2]string) error {
	endpoint := fmt.Sprintf("http://%s:%s/setup", c.host, c.webPort)
	payload := map[string]any{
		"gameName": gameName,
		"session":  session,
		"password": password,
		"gameSettings": map[string]any{
			"playerNames": []string{playerNames[0], playerNames[1]},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal setup body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build setup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("setup room %s: %w", session, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("setup room %s: status %d: %s", session, resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetMatchStatus polls GET /status/<gameName>/<session>.
func (c *Client) GetMatchStatus(ctx context.Context, gameName, session string) (*MatchStatus, error) {
	endpoint := fmt.Sprintf("http://%s:%s/status/%s/%s", c.host, c.webPort, gameName, session)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get match status %s: %w", session, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get match status %s: status %d: %s", session, resp.StatusCode, string(respBody))
	}

	var status MatchStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("decode match status: %w", err)
	}
	return &status, nil
}

// WaitForGamelog polls GetMatchStatus with a shrinking backoff until
// the match is reported over with a gamelog filename. The decrement
// happens before each sleep, so the budget is sleeps of 4, 3, 2, and 1
// seconds before giving up.
func (c *Client) WaitForGamelog(ctx context.Context, gameName, session string) (*MatchStatus, error) {
	status, err := c.GetMatchStatus(ctx, gameName, session)
	if err != nil {
		return nil, err
	}
	tries := 5
	for status.Status != "over" || status.GamelogFilename == "" {
		tries--
		if tries <= 0 {
			return nil, fmt.Errorf("gameserver did not respond with match results for %s", session)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(tries) * time.Second):
		}
		status, err = c.GetMatchStatus(ctx, gameName, session)
		if err != nil {
			return nil, err
		}
	}
	return status, nil
}

// DownloadGamelog streams GET /gamelog/<name> into memory for re-upload
// to the blob store.
func (c *Client) DownloadGamelog(ctx context.Context, gamelogName string) ([]byte, error) {
	endpoint := fmt.Sprintf("http://%s:%s/gamelog/%s", c.host, c.webPort, gamelogName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build gamelog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download gamelog %s: %w", gamelogName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download gamelog %s: status %d: %s", gamelogName, resp.StatusCode, string(respBody))
	}
	return io.ReadAll(resp.Body)
}
