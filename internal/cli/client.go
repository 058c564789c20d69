package cli

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

	"bourse/internal/game"
	"bourse/internal/scheduler"
)

// Client talks to bourse-api. OperatorToken is sent on operator routes only.
type Client struct {
	BaseURL       string
	OperatorToken string
	HTTP          *http.Client
}

// APIError carries a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func NewClient(baseURL, operatorToken string) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		OperatorToken: operatorToken,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type GameState struct {
	Game        game.Game             `json:"game"`
	Phase       game.Phase            `json:"phase"`
	RemainingMS int64                 `json:"remaining_ms"`
	Running     bool                  `json:"running"`
	Readiness   *scheduler.ReadyState `json:"readiness,omitempty"`
}

type OrderRequest struct {
	CompanyID string             `json:"company_id"`
	Kind      game.OrderKind     `json:"kind"`
	Location  game.ShareLocation `json:"location,omitempty"`
	Quantity  int                `json:"quantity"`
	Value     int64              `json:"value,omitempty"`
	IsSell    bool               `json:"is_sell,omitempty"`
}

type OrderQuery struct {
	PlayerID  string
	CompanyID string
	Statuses  []string
	Kinds     []string
}

func (q OrderQuery) encode() string {
	v := url.Values{}
	if q.PlayerID != "" {
		v.Set("player_id", q.PlayerID)
	}
	if q.CompanyID != "" {
		v.Set("company_id", q.CompanyID)
	}
	for _, s := range q.Statuses {
		v.Add("status", s)
	}
	for _, k := range q.Kinds {
		v.Add("kind", k)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func gamePath(gameID string, parts ...string) string {
	p := "/v1/games/" + url.PathEscape(gameID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) CreateGame(ctx context.Context, spec scheduler.GameSpec) (game.Game, error) {
	var out game.Game
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/games", opts{operator: true}, spec, &out)
	return out, err
}

func (c *Client) State(ctx context.Context, gameID string) (GameState, error) {
	var out GameState
	err := c.jsonRequest(ctx, http.MethodGet, gamePath(gameID), opts{}, nil, &out)
	return out, err
}

func (c *Client) Players(ctx context.Context, gameID string) ([]game.Player, error) {
	var out struct {
		Players []game.Player `json:"players"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, gamePath(gameID, "players"), opts{}, nil, &out)
	return out.Players, err
}

func (c *Client) Companies(ctx context.Context, gameID string) ([]game.Company, error) {
	var out struct {
		Companies []game.Company `json:"companies"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, gamePath(gameID, "companies"), opts{}, nil, &out)
	return out.Companies, err
}

func (c *Client) Orders(ctx context.Context, gameID string, q OrderQuery) ([]game.PlayerOrder, error) {
	var out struct {
		Orders []game.PlayerOrder `json:"orders"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, gamePath(gameID, "orders")+q.encode(), opts{}, nil, &out)
	return out.Orders, err
}

func (c *Client) PlaceOrder(ctx context.Context, gameID, playerID string, in OrderRequest) (game.PlayerOrder, error) {
	var out game.PlayerOrder
	err := c.jsonRequest(ctx, http.MethodPost, gamePath(gameID, "orders"), opts{player: playerID}, in, &out)
	return out, err
}

func (c *Client) Cover(ctx context.Context, gameID, playerID, orderID string) (game.PlayerOrder, error) {
	var out game.PlayerOrder
	err := c.jsonRequest(ctx, http.MethodPost, gamePath(gameID, "orders", orderID, "cover"), opts{player: playerID}, nil, &out)
	return out, err
}

func (c *Client) Exercise(ctx context.Context, gameID, playerID, orderID string) (game.PlayerOrder, error) {
	var out game.PlayerOrder
	err := c.jsonRequest(ctx, http.MethodPost, gamePath(gameID, "orders", orderID, "exercise"), opts{player: playerID}, nil, &out)
	return out, err
}

func (c *Client) Ready(ctx context.Context, gameID, playerID string) (scheduler.ReadyState, error) {
	var out scheduler.ReadyState
	err := c.jsonRequest(ctx, http.MethodPost, gamePath(gameID, "ready"), opts{player: playerID}, nil, &out)
	return out, err
}

func (c *Client) Transactions(ctx context.Context, gameID string, limit int) ([]game.Transaction, error) {
	var out struct {
		Transactions []game.Transaction `json:"transactions"`
	}
	path := gamePath(gameID, "transactions") + "?limit=" + strconv.Itoa(limit)
	err := c.jsonRequest(ctx, http.MethodGet, path, opts{}, nil, &out)
	return out.Transactions, err
}

func (c *Client) Logs(ctx context.Context, gameID string, limit int) ([]game.LogEntry, error) {
	var out struct {
		Logs []game.LogEntry `json:"logs"`
	}
	path := gamePath(gameID, "logs") + "?limit=" + strconv.Itoa(limit)
	err := c.jsonRequest(ctx, http.MethodGet, path, opts{}, nil, &out)
	return out.Logs, err
}

// Operator runs one of pause, resume, retry-phase or stop.
func (c *Client) Operator(ctx context.Context, gameID, command string) error {
	switch command {
	case "pause", "resume", "retry-phase", "stop":
	default:
		return fmt.Errorf("unknown operator command %q", command)
	}
	return c.jsonRequest(ctx, http.MethodPost, gamePath(gameID, command), opts{operator: true}, nil, nil)
}

func (c *Client) Recover(ctx context.Context) (int, error) {
	var out struct {
		Started int `json:"started"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/recover", opts{operator: true}, nil, &out)
	return out.Started, err
}

type opts struct {
	operator bool
	player   string
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, o opts, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.operator && c.OperatorToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.OperatorToken)
	}
	if o.player != "" {
		req.Header.Set("X-Player-ID", o.player)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
