// Package httpapi carries relay procedures over HTTP: POST /rpc/{procedure} with a JSON body of
// {"auth": envelope, "payload": {...}}.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 2 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, procedure protocol.Procedure, env *protocol.Envelope, payload []byte) (interface{}, error)
}

type Server struct {
	config     *config.Config
	log        *zap.SugaredLogger
	dispatcher Dispatcher
	registry   *prometheus.Registry
	httpServer *http.Server
	listener   net.Listener
	finished   sync.WaitGroup
}

func NewServer(c *config.Config, d Dispatcher, registry *prometheus.Registry) *Server {
	s := &Server{
		config:     c,
		log:        c.Logger("httpapi"),
		dispatcher: d,
		registry:   registry,
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintln(w, "OK"); err != nil {
			s.log.Debugf("error writing health response %#v", err)
		}
	}).Methods(http.MethodGet)
	r.HandleFunc("/rpc/{procedure}", s.handleRPC).Methods(http.MethodPost)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("httpapi: error listening on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	s.log.Infof("listening on %s", ln.Addr())

	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("error serving %#v", err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.finished.Wait()
	return err
}

func statusFor(code relayerr.Code) int {
	switch code {
	case relayerr.CodeAuthenticationFailure, relayerr.CodeReplayDetected:
		return http.StatusUnauthorized
	case relayerr.CodeInvalidArgument:
		return http.StatusBadRequest
	case relayerr.CodeForbidden:
		return http.StatusForbidden
	case relayerr.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	procedure := protocol.Procedure(mux.Vars(r)["procedure"])

	call := &protocol.Call{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(call); err != nil {
		s.writeError(w, relayerr.Wrap(relayerr.CodeInvalidArgument, "malformed request body", err))
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), procedure, call.Auth, call.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	public := relayerr.Public(err)
	s.writeJSON(w, statusFor(public.Code), public)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("error writing response %#v", err)
	}
}
