package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// APIServer exposes health, metrics and read-only link inspection over HTTP.
type APIServer struct {
	logger     *zap.Logger
	store      *LinkStore
	dispatcher *Dispatcher
	metrics    *Metrics

	server *http.Server
}

type linkView struct {
	DiscordID   string `json:"discord_id"`
	AccountName string `json:"name"`
	AccountID   string `json:"uuid"`
}

type healthView struct {
	Status        string `json:"status"`
	Links         int    `json:"links"`
	ResyncRunning bool   `json:"resync_running"`
}

func NewAPIServer(logger *zap.Logger, address string, store *LinkStore, dispatcher *Dispatcher, metrics *Metrics) *APIServer {
	s := &APIServer{
		logger:     logger.With(zap.String("module", "api")),
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped with recovery, access logging and compression.
func (s *APIServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/v1/links", s.listLinks).Methods(http.MethodGet)
	router.HandleFunc("/v1/links/{discord_id:[0-9]+}", s.getLink).Methods(http.MethodGet)
	router.HandleFunc("/v1/resync/cancel", s.cancelResync).Methods(http.MethodPost)

	accessLog := zap.NewStdLog(s.logger.With(zap.String("log", "access"))).Writer()

	var h http.Handler = router
	h = handlers.CompressHandler(h)
	h = handlers.CombinedLoggingHandler(accessLog, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
	return h
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *APIServer) ListenAndServe() error {
	s.logger.Info("API server listening", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

func (s *APIServer) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown error", zap.Error(err))
	}
}

func (s *APIServer) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthView{
		Status:        "ok",
		Links:         s.store.Len(),
		ResyncRunning: s.dispatcher.ResyncRunning(),
	})
}

func (s *APIServer) listLinks(w http.ResponseWriter, r *http.Request) {
	records := s.store.Snapshot().Records()
	views := make([]linkView, 0, len(records))
	for _, record := range records {
		views = append(views, newLinkView(record))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *APIServer) getLink(w http.ResponseWriter, r *http.Request) {
	userID, err := ParseUserID(mux.Vars(r)["discord_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, ok := s.store.Get(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}
	writeJSON(w, http.StatusOK, newLinkView(record))
}

func (s *APIServer) cancelResync(w http.ResponseWriter, r *http.Request) {
	canceled := s.dispatcher.CancelResync()
	s.logger.Info("Resync cancel requested", zap.Bool("canceled", canceled), zap.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func newLinkView(record LinkRecord) linkView {
	return linkView{
		DiscordID:   record.UserID.String(),
		AccountName: record.AccountName,
		AccountID:   record.AccountID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type recoveryLogger struct {
	logger *zap.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Recovered from panic in HTTP handler", zap.String("panic", fmt.Sprint(v...)))
}
