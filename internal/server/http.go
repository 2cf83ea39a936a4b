package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"RewardsLedger/internal/incentives"
	"RewardsLedger/internal/observability"
	"RewardsLedger/internal/query"
)

// HTTPServer is the operational HTTP/JSON API: claim settlement, admin
// configuration, and projection-backed queries. Callers identify
// themselves with the X-Caller-Id header (a UUID); authorization is
// enforced inside the controller, not here.
type HTTPServer struct {
	controller    *incentives.Controller
	queryService  *query.Service
	rebuildFunc   func(ctx context.Context) error
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger

	httpServer *http.Server
}

type HTTPServerConfig struct {
	Addr          string
	Controller    *incentives.Controller
	QueryService  *query.Service
	RebuildFunc   func(ctx context.Context) error
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	s := &HTTPServer{
		controller:    cfg.Controller,
		queryService:  cfg.QueryService,
		rebuildFunc:   cfg.RebuildFunc,
		healthChecker: cfg.HealthChecker,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
	}

	mux := http.NewServeMux()

	// Operations (caller identity required)
	mux.HandleFunc("POST /v1/claims", s.instrument("claims", s.handleClaim))
	mux.HandleFunc("POST /v1/claims/all", s.instrument("claims_all", s.handleClaimAll))
	mux.HandleFunc("POST /v1/claimer", s.instrument("claimer", s.handleSetClaimer))
	mux.HandleFunc("POST /v1/admin/excluded", s.instrument("admin_excluded", s.handleSetExcluded))
	mux.HandleFunc("POST /v1/admin/strategy", s.instrument("admin_strategy", s.handleSetStrategy))
	mux.HandleFunc("POST /v1/admin/oracle", s.instrument("admin_oracle", s.handleSetOracle))
	mux.HandleFunc("POST /v1/admin/assets", s.instrument("admin_assets", s.handleConfigureAssets))
	mux.HandleFunc("POST /v1/admin/projections/rebuild", s.instrument("admin_rebuild", s.handleRebuild))

	// Queries
	mux.HandleFunc("GET /v1/accrued", s.instrument("accrued", s.handleGetAccrued))
	mux.HandleFunc("GET /v1/accrued/live", s.instrument("accrued_live", s.handleGetAccruedLive))
	mux.HandleFunc("GET /v1/claims", s.instrument("claim_history", s.handleGetClaimHistory))
	mux.HandleFunc("GET /v1/claimer", s.instrument("get_claimer", s.handleGetClaimer))
	mux.HandleFunc("GET /v1/rewards", s.instrument("rewards", s.handleGetRewards))
	mux.HandleFunc("GET /v1/supply", s.instrument("supply", s.handleGetSupply))
	mux.HandleFunc("GET /v1/state", s.instrument("state", s.handleGetState))
	mux.HandleFunc("GET /v1/integrity", s.instrument("integrity", s.handleVerifyIntegrity))

	// Operational endpoints
	mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
	mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	return s
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// instrument wraps a handler with request count and duration metrics.
func (s *HTTPServer) instrument(endpoint string, h func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ============================================================================
// Claim endpoints
// ============================================================================

type claimRequest struct {
	Assets    []string `json:"assets"`
	Amount    string   `json:"amount,omitempty"`
	Reward    string   `json:"reward"`
	User      string   `json:"user,omitempty"`      // on-behalf claims
	Recipient string   `json:"recipient,omitempty"` // defaults to the caller
}

type claimResponse struct {
	Reward  string `json:"reward"`
	Claimed string `json:"claimed"`
}

func (s *HTTPServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	amount := new(big.Int)
	if req.Amount != "" {
		parsed, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok || parsed.Sign() < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed amount %q", req.Amount))
			return
		}
		amount = parsed
	}

	var claimed *big.Int
	var err error
	switch {
	case req.User != "":
		user, recipient, perr := parseOnBehalf(req.User, req.Recipient)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		claimed, err = s.controller.ClaimRewardsOnBehalf(caller, req.Assets, amount, user, recipient, req.Reward)

	case req.Recipient != "":
		recipient, perr := uuid.Parse(req.Recipient)
		if perr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid recipient: %v", perr))
			return
		}
		claimed, err = s.controller.ClaimRewards(caller, req.Assets, amount, req.Reward, recipient)

	default:
		claimed, err = s.controller.ClaimRewardsToSelf(caller, req.Assets, amount, req.Reward)
	}
	if err != nil {
		writeControllerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{Reward: req.Reward, Claimed: claimed.String()})
}

type claimAllRequest struct {
	Assets    []string `json:"assets"`
	User      string   `json:"user,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
}

func (s *HTTPServer) handleClaimAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var req claimAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	var rewards []string
	var amounts []*big.Int
	var err error
	switch {
	case req.User != "":
		user, recipient, perr := parseOnBehalf(req.User, req.Recipient)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		rewards, amounts, err = s.controller.ClaimAllRewardsOnBehalf(caller, req.Assets, user, recipient)

	case req.Recipient != "":
		recipient, perr := uuid.Parse(req.Recipient)
		if perr != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid recipient: %v", perr))
			return
		}
		rewards, amounts, err = s.controller.ClaimAllRewards(caller, req.Assets, recipient)

	default:
		rewards, amounts, err = s.controller.ClaimAllRewardsToSelf(caller, req.Assets)
	}
	if err != nil {
		writeControllerError(w, err)
		return
	}

	resp := make([]claimResponse, len(rewards))
	for i := range rewards {
		resp[i] = claimResponse{Reward: rewards[i], Claimed: amounts[i].String()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"claims": resp})
}

// ============================================================================
// Admin endpoints
// ============================================================================

type setClaimerRequest struct {
	User     string `json:"user"`
	Delegate string `json:"delegate"` // empty or nil UUID clears the delegation
}

func (s *HTTPServer) handleSetClaimer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var req setClaimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return
	}
	delegate := uuid.Nil
	if req.Delegate != "" {
		if delegate, err = uuid.Parse(req.Delegate); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid delegate: %v", err))
			return
		}
	}

	if err := s.controller.SetClaimer(caller, user, delegate); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setExcludedRequest struct {
	User     string `json:"user"`
	Asset    string `json:"asset"`
	Excluded bool   `json:"excluded"`
}

func (s *HTTPServer) handleSetExcluded(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var req setExcludedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	user, err := uuid.Parse(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return
	}

	if err := s.controller.SetExcluded(caller, user, req.Asset, req.Excluded); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setStrategyRequest struct {
	Reward   string `json:"reward"`
	Strategy string `json:"strategy"`
}

func (s *HTTPServer) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var req setStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	if err := s.controller.SetTransferStrategy(caller, req.Reward, req.Strategy); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setOracleRequest struct {
	Reward string `json:"reward"`
	Oracle string `json:"oracle"`
}

func (s *HTTPServer) handleSetOracle(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var req setOracleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	if err := s.controller.SetRewardOracle(caller, req.Reward, req.Oracle); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type assetConfigEntry struct {
	Asset             string `json:"asset"`
	Reward            string `json:"reward"`
	EmissionPerSecond uint64 `json:"emission_per_second"`
	DistributionEndUs int64  `json:"distribution_end_us"`
	Decimals          uint8  `json:"decimals"`
	Strategy          string `json:"strategy,omitempty"`
	Oracle            string `json:"oracle,omitempty"`
}

func (s *HTTPServer) handleConfigureAssets(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Configs []assetConfigEntry `json:"configs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if len(req.Configs) == 0 {
		writeError(w, http.StatusBadRequest, "configs must not be empty")
		return
	}

	inputs := make([]incentives.AssetConfigInput, len(req.Configs))
	for i, c := range req.Configs {
		inputs[i] = incentives.AssetConfigInput{
			Asset:             c.Asset,
			Reward:            c.Reward,
			EmissionPerSecond: c.EmissionPerSecond,
			DistributionEnd:   time.UnixMicro(c.DistributionEndUs),
			Decimals:          c.Decimals,
			StrategyName:      c.Strategy,
			OracleName:        c.Oracle,
		}
	}

	if err := s.controller.ConfigureAssets(caller, inputs); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "configured": len(inputs)})
}

func (s *HTTPServer) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.callerID(w, r); !ok {
		return
	}
	if s.rebuildFunc == nil {
		writeError(w, http.StatusNotImplemented, "rebuild not available")
		return
	}
	if err := s.rebuildFunc(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// ============================================================================
// Query endpoints
// ============================================================================

func (s *HTTPServer) handleGetAccrued(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return
	}

	asset := optionalParam(r, "asset")
	reward := optionalParam(r, "reward")

	results, err := s.queryService.GetAccrued(r.Context(), userID, asset, reward)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get accrued: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accrued": results})
}

// handleGetAccruedLive reads accrued counters from the in-memory state
// instead of the projection. Counters reflect the last refresh, not
// pending emission since then.
func (s *HTTPServer) handleGetAccruedLive(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return
	}
	asset := r.URL.Query().Get("asset")
	reward := r.URL.Query().Get("reward")
	if asset == "" || reward == "" {
		writeError(w, http.StatusBadRequest, "asset and reward are required")
		return
	}

	accrued := s.controller.AccruedBalance(asset, reward, userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        userID,
		"asset":          asset,
		"reward":         reward,
		"accrued":        accrued.String(),
		"as_of_sequence": s.controller.Sequence(),
	})
}

func (s *HTTPServer) handleGetClaimHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return
	}

	reward := optionalParam(r, "reward")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 || limit > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 500]")
			return
		}
	}

	var afterSeq *int64
	if v := r.URL.Query().Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid after cursor: %v", err))
			return
		}
		afterSeq = &seq
	}

	history, err := s.queryService.GetClaimHistory(r.Context(), userID, reward, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get claim history: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"claims": history})
}

func (s *HTTPServer) handleGetClaimer(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user: %v", err))
		return
	}

	delegate := s.controller.ClaimerFor(userID)
	resp := map[string]interface{}{"user_id": userID}
	if delegate != uuid.Nil {
		resp["claimer"] = delegate
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetRewards(w http.ResponseWriter, r *http.Request) {
	type rewardInfo struct {
		Reward   string `json:"reward"`
		Strategy string `json:"strategy,omitempty"`
		Oracle   string `json:"oracle,omitempty"`
	}

	rewards := s.controller.Rewards()
	infos := make([]rewardInfo, len(rewards))
	for i, reward := range rewards {
		info := rewardInfo{Reward: reward}
		if name, ok := s.controller.StrategyFor(reward); ok {
			info.Strategy = name
		}
		if name, ok := s.controller.OracleFor(reward); ok {
			info.Oracle = name
		}
		infos[i] = info
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rewards": infos})
}

func (s *HTTPServer) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}

	excluded := s.controller.ExcludedUsers(asset)
	excludedStrs := make([]string, len(excluded))
	for i, u := range excluded {
		excludedStrs[i] = u.String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":                 asset,
		"adjusted_total_supply": s.controller.AdjustedTotalSupply(asset).String(),
		"excluded_users":        excludedStrs,
	})
}

func (s *HTTPServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	hash := s.controller.StateHash()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":   s.controller.Sequence(),
		"state_hash": fmt.Sprintf("%x", hash[:]),
	})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("verify integrity: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ============================================================================
// Helpers
// ============================================================================

// callerID extracts the caller identity from X-Caller-Id. Writes the
// error response itself when the header is missing or malformed.
func (s *HTTPServer) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Caller-Id")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "X-Caller-Id header is required")
		return uuid.Nil, false
	}
	caller, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid X-Caller-Id: %v", err))
		return uuid.Nil, false
	}
	return caller, true
}

func parseOnBehalf(userStr, recipientStr string) (user, recipient uuid.UUID, err error) {
	if user, err = uuid.Parse(userStr); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid user: %v", err)
	}
	if recipientStr == "" {
		return uuid.Nil, uuid.Nil, fmt.Errorf("recipient is required for on-behalf claims")
	}
	if recipient, err = uuid.Parse(recipientStr); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid recipient: %v", err)
	}
	return user, recipient, nil
}

func optionalParam(r *http.Request, name string) *string {
	if v := r.URL.Query().Get(name); v != "" {
		return &v
	}
	return nil
}

// writeControllerError maps controller failure modes to HTTP statuses.
func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, incentives.ErrUnauthorized),
		errors.Is(err, incentives.ErrUnauthorizedClaimer):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, incentives.ErrInvalidRecipient),
		errors.Is(err, incentives.ErrInvalidUser),
		errors.Is(err, incentives.ErrNilStrategy):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, incentives.ErrUnknownStrategy),
		errors.Is(err, incentives.ErrUnknownOracle),
		errors.Is(err, incentives.ErrOracleNoPrice),
		errors.Is(err, incentives.ErrNoStrategyInstalled):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, incentives.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
