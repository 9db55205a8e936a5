// Package api is the HTTP gateway. It translates REST calls into the
// dispatcher's request envelopes, serves book snapshots directly, and
// streams execution reports over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"traderd/pkg/book"
	"traderd/pkg/engine"
)

const requestTimeout = 10 * time.Second

type Server struct {
	disp   *engine.Dispatcher
	reg    *book.Registry
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
	http   *http.Server
}

func NewServer(disp *engine.Dispatcher, reg *book.Registry, log *zap.Logger) *Server {
	s := &Server{
		disp:   disp,
		reg:    reg,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

// Hub exposes the WebSocket hub so the report sink can broadcast fills.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Raw envelope pass-through: the body goes to the dispatcher as-is.
	api.HandleFunc("/requests", s.handleRequest).Methods("POST")

	// Convenience routes that build the envelope for the caller.
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/open", s.forward(`{"type":"GET_OPEN_ORDERS"}`)).Methods("GET")
	api.HandleFunc("/orders/all", s.forward(`{"type":"GET_ALL_ORDERS"}`)).Methods("GET")
	api.HandleFunc("/positions", s.forward(`{"type":"positions"}`)).Methods("GET")
	api.HandleFunc("/account", s.forward(`{"type":"account"}`)).Methods("GET")
	api.HandleFunc("/movers", s.forward(`{"type":"movers"}`)).Methods("GET")
	api.HandleFunc("/strategy/{action}", s.handleStrategy).Methods("GET", "POST")

	// Book snapshots read the registry directly, bypassing the dispatcher.
	api.HandleFunc("/books", s.handleListBooks).Methods("GET")
	api.HandleFunc("/books/{symbol}", s.handleGetBook).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.http = &http.Server{Addr: addr, Handler: c.Handler(s.router)}

	errc := make(chan error, 1)
	go func() { errc <- s.http.ListenAndServe() }()
	s.log.Info("api server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// dispatch forwards a payload to the engine and writes its reply verbatim.
// The dispatcher's reply already carries the success flag, so HTTP status
// stays 200 for application-level failures.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, payload []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp, err := s.disp.Send(ctx, payload)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		respondError(w, status, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

func (s *Server) forward(payload string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, []byte(payload))
	}
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	s.dispatch(w, r, body)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req["type"] = "order"
	if _, ok := req["client_order_id"]; !ok {
		req["client_order_id"] = uuid.NewString()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, payload)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"type":     "CANCEL_ORDER",
		"order_id": req.OrderID,
	})
	s.dispatch(w, r, payload)
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]

	req := map[string]any{}
	if r.Method == http.MethodPost && r.Body != nil {
		// Body fields (e.g. config updates) ride along with the action.
		json.NewDecoder(r.Body).Decode(&req)
	}
	req["type"] = "movers_strategy"
	req["action"] = action

	payload, err := json.Marshal(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, payload)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"symbols": s.reg.Symbols()})
}

type bookSnapshot struct {
	Symbol    string       `json:"symbol"`
	BestBid   *float64     `json:"best_bid"`
	BestAsk   *float64     `json:"best_ask"`
	Bids      []book.Level `json:"bids"`
	Asks      []book.Level `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	b, ok := s.reg.Lookup(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no book for symbol")
		return
	}

	snap := bookSnapshot{
		Symbol:    symbol,
		Bids:      b.BidLevels(),
		Asks:      b.AskLevels(),
		Timestamp: time.Now().UnixMilli(),
	}
	if bid, ok := b.BestBid(); ok {
		snap.BestBid = &bid
	}
	if ask, ok := b.BestAsk(); ok {
		snap.BestAsk = &ask
	}
	respondJSON(w, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
