// Package api is the HTTP surface of the engine: mint and burn submission,
// registry administration behind admin tokens, and read-only views of ledger
// state and the event journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bitearth/poe-engine/internal/events"
	"github.com/bitearth/poe-engine/internal/field"
	"github.com/bitearth/poe-engine/internal/ledger"
	"github.com/bitearth/poe-engine/internal/oracle"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/registry"
	"github.com/bitearth/poe-engine/internal/zkp"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64

	// JWTSecret signs admin tokens. Empty disables the admin endpoints.
	JWTSecret []byte
	// MintRate and MintBurst bound mint submissions per device.
	MintRate  float64
	MintBurst int
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8545",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 1 << 20,
		MintRate:     1,
		MintBurst:    5,
	}
}

// Server routes HTTP requests to the ledger and registry.
type Server struct {
	cfg     Config
	minter  *ledger.Minter
	reg     *registry.Registry
	keys    *zkp.Verifier
	bus     *events.Bus
	limiter *Limiter
	log     zerolog.Logger

	mux        *http.ServeMux
	httpServer *http.Server
}

type Option func(*Server)

// WithBus enables the live event stream.
func WithBus(b *events.Bus) Option { return func(s *Server) { s.bus = b } }

func WithLogger(log zerolog.Logger) Option { return func(s *Server) { s.log = log } }

func New(cfg Config, minter *ledger.Minter, reg *registry.Registry, keys *zkp.Verifier, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		minter:  minter,
		reg:     reg,
		keys:    keys,
		limiter: NewLimiter(cfg.MintRate, cfg.MintBurst),
		log:     zerolog.Nop(),
		mux:     http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "api").Logger()
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/mint", s.handleMint)
	s.mux.HandleFunc("POST /v1/burn", s.handleBurn)

	s.mux.HandleFunc("GET /v1/totals", s.handleTotals)
	s.mux.HandleFunc("GET /v1/balances/{account}", s.handleBalance)
	s.mux.HandleFunc("GET /v1/params", s.handleParams)
	s.mux.HandleFunc("GET /v1/circuits", s.handleCircuits)
	s.mux.HandleFunc("GET /v1/devices", s.handleDevices)
	s.mux.HandleFunc("GET /v1/devices/{id}", s.handleDevice)
	s.mux.HandleFunc("GET /v1/oracles", s.handleOracles)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	s.mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)

	s.mux.HandleFunc("POST /v1/admin/devices/{id}/{action}", s.handleDeviceAdmin)
	s.mux.HandleFunc("POST /v1/admin/oracles", s.handleAddOracle)
}

// Handle mounts an extra handler, such as /metrics or /healthz.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	prune := time.NewTicker(10 * time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			s.log.Info().Msg("server shut down")
			return nil
		case err := <-errChan:
			return err
		case <-prune.C:
			if n := s.limiter.Prune(time.Hour); n > 0 {
				s.log.Debug().Int("evicted", n).Msg("pruned idle rate limiters")
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("took", time.Since(start)).Msg("request")
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func statusFor(err error) int {
	switch poeerr.KindOf(err) {
	case poeerr.KindReplayDetected, poeerr.KindConflict:
		return http.StatusConflict
	case poeerr.KindNotAuthorized:
		return http.StatusForbidden
	case poeerr.KindInvalidProof, poeerr.KindAssignmentMissing, poeerr.KindInsufficientAmount:
		return http.StatusUnprocessableEntity
	case poeerr.KindExternalVerificationFailed:
		return http.StatusServiceUnavailable
	case poeerr.KindInvalidArgument:
		return http.StatusBadRequest
	case poeerr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("internal error")
	}
	if poeerr.Retryable(err) {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: poeerr.KindOf(err).String(), Retryable: poeerr.Retryable(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return poeerr.Wrap(poeerr.KindInvalidArgument, "api.decode", err)
	}
	return nil
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req ledger.MintRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.limiter.Allow(req.Packet.DeviceIDHash.Hex()) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "mint rate exceeded for device", Kind: "rate_limited", Retryable: true})
		return
	}
	receipt, err := s.minter.MintWithPoE(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req ledger.BurnRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.minter.BurnForAssets(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	t, err := s.minter.Totals()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	b, err := s.minter.Balance(account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": b})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.minter.Params())
}

type circuitInfo struct {
	ID     zkp.CircuitID `json:"id"`
	VKHash zkp.Hash      `json:"vk_hash"`
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	var out []circuitInfo
	for _, id := range s.keys.Circuits() {
		h, _ := s.keys.KeyHash(id)
		out = append(out, circuitInfo{ID: id, VKHash: h})
	}
	writeJSON(w, http.StatusOK, out)
}

// deviceView exposes the counter, which DeviceRecord keeps out of JSON.
type deviceView struct {
	registry.DeviceRecord
	CumulativeEnergy string `json:"cumulative_energy"`
}

func viewDevice(d registry.DeviceRecord) deviceView {
	return deviceView{DeviceRecord: d, CumulativeEnergy: d.CumulativeEnergy().Dec()}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := s.reg.Devices()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]deviceView, len(devs))
	for i := range devs {
		out[i] = viewDevice(devs[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func deviceID(r *http.Request) (field.Element, error) {
	var h field.Element
	if err := h.UnmarshalText([]byte(r.PathValue("id"))); err != nil {
		return h, poeerr.Wrap(poeerr.KindInvalidArgument, "api.device_id", err)
	}
	return h, nil
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	h, err := deviceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	dev, err := s.reg.Device(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDevice(*dev))
}

func (s *Server) handleOracles(w http.ResponseWriter, r *http.Request) {
	orcs, err := s.reg.Oracles()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orcs)
}

func queryUint(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, poeerr.New(poeerr.KindInvalidArgument, "api.query", "%s: %v", name, err)
	}
	return n, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after")
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if limit == 0 || limit > 1000 {
		limit = 1000
	}
	evs, err := s.minter.Events(after, int(limit))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// handleEventStream relays live bus events as server-sent events. Clients
// that fall behind should page /v1/events from their last seq.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "event stream disabled", Kind: poeerr.KindNotFound.String()})
		return
	}
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})

	ch := make(chan events.Event, 64)
	sub := s.bus.Subscribe(ch)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	for {
		select {
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-sub.Err():
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.minter.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type deviceAdminBody struct {
	Wallet string `json:"wallet"`
}

func (s *Server) handleDeviceAdmin(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Kind: poeerr.KindNotAuthorized.String()})
		return
	}
	h, err := deviceID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch action := r.PathValue("action"); action {
	case "propose", "certify":
		var body deviceAdminBody
		if err := s.decode(w, r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		if action == "propose" {
			err = s.reg.ProposeDevice(caller, h, body.Wallet)
		} else {
			err = s.reg.CertifyDevice(caller, h, body.Wallet)
		}
	case "suspend":
		err = s.reg.SuspendDevice(caller, h)
	case "reinstate":
		err = s.reg.ReinstateDevice(caller, h)
	case "decommission":
		err = s.reg.DecommissionDevice(caller, h)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown action " + action, Kind: poeerr.KindNotFound.String()})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	dev, err := s.reg.Device(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDevice(*dev))
}

type addOracleBody struct {
	ID oracle.ID `json:"id"`
}

func (s *Server) handleAddOracle(w http.ResponseWriter, r *http.Request) {
	caller, err := s.caller(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Kind: poeerr.KindNotAuthorized.String()})
		return
	}
	var body addOracleBody
	if err := s.decode(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.reg.AddOracle(caller, body.ID); err != nil {
		s.writeError(w, err)
		return
	}
	orc, err := s.reg.Oracle(body.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orc)
}
