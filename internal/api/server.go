package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bourse/internal/config"
	"bourse/internal/game"
	"bourse/internal/market"
	"bourse/internal/notify"
	"bourse/internal/phase"
	"bourse/internal/scheduler"
	"bourse/internal/store"
)

type contextKey string

const playerContextKey contextKey = "player"

const PlayerHeader = "X-Player-ID"

type Deps struct {
	Repo    store.Reader
	Market  *market.Engine
	Manager *scheduler.Manager
	Hub     *notify.Hub
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	repo    store.Reader
	market  *market.Engine
	manager *scheduler.Manager
	hub     *notify.Hub
	mux     *chi.Mux
	now     func() time.Time
}

func New(cfg config.APIConfig, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		repo:    deps.Repo,
		market:  deps.Market,
		manager: deps.Manager,
		hub:     deps.Hub,
		mux:     chi.NewRouter(),
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		// the event stream outlives any request timeout
		r.Get("/games/{gameID}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			timeout := s.cfg.RequestTimeout
			if timeout <= 0 {
				timeout = 15 * time.Second
			}
			r.Use(middleware.Timeout(timeout))

			r.Get("/games/{gameID}", s.handleGameState)
			r.Get("/games/{gameID}/players", s.handlePlayers)
			r.Get("/games/{gameID}/companies", s.handleCompanies)
			r.Get("/games/{gameID}/shares", s.handleShares)
			r.Get("/games/{gameID}/orders", s.handleOrdersList)
			r.Get("/games/{gameID}/readiness", s.handleReadiness)
			r.Get("/games/{gameID}/transactions", s.handleTransactions)
			r.Get("/games/{gameID}/logs", s.handleLogs)

			r.Group(func(r chi.Router) {
				r.Use(s.playerMiddleware)
				r.Post("/games/{gameID}/orders", s.handleSubmitOrder)
				r.Post("/games/{gameID}/orders/{orderID}/cover", s.handleCover)
				r.Post("/games/{gameID}/orders/{orderID}/exercise", s.handleExercise)
				r.Post("/games/{gameID}/ready", s.handleReady)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.operatorMiddleware)
				r.Post("/games", s.handleCreateGame)
				r.Post("/games/{gameID}/pause", s.handlePause)
				r.Post("/games/{gameID}/resume", s.handleResume)
				r.Post("/games/{gameID}/retry-phase", s.handleRetryPhase)
				r.Post("/games/{gameID}/stop", s.handleStop)
				r.Post("/recover", s.handleRecover)
			})
		})
	})
}

// playerMiddleware trusts X-Player-ID; authenticating players is left to
// whatever fronts the API.
func (s *Server) playerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := strings.TrimSpace(r.Header.Get(PlayerHeader))
		if playerID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+PlayerHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, playerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func playerFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(playerContextKey).(string)
	if !ok || id == "" {
		return "", errors.New("missing player context")
	}
	return id, nil
}

func (s *Server) operatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OperatorToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.OperatorToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type gameState struct {
	Game        game.Game             `json:"game"`
	Phase       game.Phase            `json:"phase"`
	RemainingMS int64                 `json:"remaining_ms"`
	Running     bool                  `json:"running"`
	Readiness   *scheduler.ReadyState `json:"readiness,omitempty"`
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.GameSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := s.manager.CreateGame(r.Context(), spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("game created", "game_id", g.ID, "name", g.Name)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGameState(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	g, p, err := s.manager.Engine().Current(r.Context(), gameID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := gameState{
		Game:        g,
		Phase:       p,
		RemainingMS: phase.Remaining(p.StartedAt, p.Duration, s.now()).Milliseconds(),
		Running:     s.manager.Running(gameID),
	}
	if st, ok := s.manager.Readiness().State(gameID); ok {
		out.Readiness = &st
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if !s.gameExists(w, r, gameID) {
		return
	}
	players, err := s.repo.Players(r.Context(), gameID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": players})
}

func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if !s.gameExists(w, r, gameID) {
		return
	}
	companies, err := s.repo.Companies(r.Context(), gameID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": companies})
}

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if !s.gameExists(w, r, gameID) {
		return
	}
	shares, err := s.repo.Shares(r.Context(), gameID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	holdings := map[string]map[string]int{}
	for _, sh := range shares {
		owner := string(sh.Location)
		if sh.Location == game.LocationPlayer {
			owner = sh.PlayerID
		}
		if holdings[sh.CompanyID] == nil {
			holdings[sh.CompanyID] = map[string]int{}
		}
		holdings[sh.CompanyID][owner]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"holdings": holdings})
}

func (s *Server) handleOrdersList(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if !s.gameExists(w, r, gameID) {
		return
	}
	q := r.URL.Query()
	f := store.OrderFilter{
		GameID:    gameID,
		PlayerID:  strings.TrimSpace(q.Get("player_id")),
		CompanyID: strings.TrimSpace(q.Get("company_id")),
	}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, game.OrderStatus(strings.ToUpper(strings.TrimSpace(st))))
	}
	for _, k := range q["kind"] {
		f.Kinds = append(f.Kinds, game.OrderKind(strings.ToUpper(strings.TrimSpace(k))))
	}
	orders, err := s.repo.Orders(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		CompanyID string             `json:"company_id"`
		Kind      game.OrderKind     `json:"kind"`
		Location  game.ShareLocation `json:"location"`
		Quantity  int                `json:"quantity"`
		Value     int64              `json:"value"`
		IsSell    bool               `json:"is_sell"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := s.market.CreatePlayerOrder(r.Context(), market.OrderInput{
		GameID:    chi.URLParam(r, "gameID"),
		PlayerID:  playerID,
		CompanyID: strings.TrimSpace(in.CompanyID),
		Kind:      in.Kind,
		Location:  in.Location,
		Quantity:  in.Quantity,
		Value:     in.Value,
		IsSell:    in.IsSell,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	s.flagOrder(w, r, s.market.RequestCover)
}

func (s *Server) handleExercise(w http.ResponseWriter, r *http.Request) {
	s.flagOrder(w, r, s.market.RequestExercise)
}

func (s *Server) flagOrder(w http.ResponseWriter, r *http.Request, flag func(ctx context.Context, gameID, playerID, orderID string) (game.PlayerOrder, error)) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	order, err := flag(r.Context(), chi.URLParam(r, "gameID"), playerID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	playerID, err := playerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	st, err := s.manager.Ready(r.Context(), chi.URLParam(r, "gameID"), playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	st, ok := s.manager.Readiness().State(chi.URLParam(r, "gameID"))
	if !ok {
		writeDomainError(w, scheduler.ErrNotRunning)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.operatorCommand(w, r, "paused", s.manager.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.operatorCommand(w, r, "resumed", s.manager.Resume)
}

func (s *Server) handleRetryPhase(w http.ResponseWriter, r *http.Request) {
	s.operatorCommand(w, r, "retried", s.manager.RetryCurrentPhase)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operatorCommand(w, r, "stopped", s.manager.Stop)
}

func (s *Server) operatorCommand(w http.ResponseWriter, r *http.Request, done string, cmd func(ctx context.Context, gameID string) error) {
	gameID := chi.URLParam(r, "gameID")
	if err := cmd(r.Context(), gameID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("operator command", "game_id", gameID, "result", done)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "game_id": gameID, "result": done})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.Recover(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "started": n})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if !s.gameExists(w, r, gameID) {
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txs, err := s.repo.Transactions(r.Context(), gameID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if !s.gameExists(w, r, gameID) {
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.repo.Logs(r.Context(), gameID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if !s.gameExists(w, r, gameID) {
		return
	}
	s.hub.ServeWS(w, r, gameID)
}

func (s *Server) gameExists(w http.ResponseWriter, r *http.Request, gameID string) bool {
	if _, err := s.repo.Game(r.Context(), gameID); err != nil {
		writeDomainError(w, err)
		return false
	}
	return true
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, game.ErrInvalidOrder), errors.Is(err, game.ErrInvalidSymbol), errors.Is(err, scheduler.ErrInvalidGame):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, game.ErrPhaseClosed), errors.Is(err, game.ErrCompanyNotTradable), errors.Is(err, game.ErrGameFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrTxConflict), store.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
