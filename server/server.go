package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scriptbook/scriptbook/config"
	"github.com/scriptbook/scriptbook/engine"
)

const readLimit = 32768

// Server exposes the execution engine over HTTP: a WebSocket endpoint for
// streaming runs and a REST surface for blocking runs, session listing, and
// stops. It owns the registry lifecycle: Stop tears down every live session.
type Server struct {
	log          *zap.SugaredLogger
	registry     *engine.Registry
	interpreters config.Interpreters
	workDir      string
	listenAddr   string

	httpServer *http.Server

	// lifetime outlives individual connections so a session started by one
	// connection keeps streaming into its replay buffer after a disconnect.
	lifetime context.Context
	cancel   context.CancelFunc
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithWorkDir(dir string) Option {
	return func(s *Server) {
		s.workDir = dir
	}
}

func WithInterpreters(m config.Interpreters) Option {
	return func(s *Server) {
		s.interpreters = m
	}
}

// New constructs a server around an engine registry.
func New(registry *engine.Registry, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining working directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:          logger.Named("server").Sugar(),
		registry:     registry,
		interpreters: config.DefaultInterpreters(),
		workDir:      wd,
		listenAddr:   "127.0.0.1:8333",
		lifetime:     ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.GET("/sessions", s.sessions)
	router.GET("/scripts/:identifier/execute", s.executeWS)
	router.POST("/scripts/:identifier/run", s.runBlocking)
	router.POST("/scripts/:identifier/stop", s.stopScript)
	// built here rather than in Run so Stop never races the assignment
	s.httpServer = &http.Server{Handler: router}

	return s, nil
}

// Run serves until Stop is called or the listener fails.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listenAddr, err)
	}

	s.log.Infof("listening on %s", listener.Addr())
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop tears down every live session and closes the HTTP server. Child
// processes never outlive the server.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if err := s.registry.TeardownAll(ctx); err != nil {
		return fmt.Errorf("tearing down sessions: %w", err)
	}
	return s.httpServer.Close()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	live := s.registry.List()
	infos := make([]SessionInfo, 0, len(live))
	for _, sess := range live {
		infos = append(infos, SessionInfo{
			Identifier: sess.Identifier,
			RunID:      sess.RunID,
			State:      string(sess.State()),
			StartedAt:  sess.StartedAt,
		})
	}
	writeJSON(s.log, w, http.StatusOK, infos)
}

func (s *Server) stopScript(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	identifier := params.ByName("identifier")
	err := s.registry.Stop(identifier)
	if errors.Is(err, engine.ErrNoSession) {
		http.Error(w, "no live session for identifier", http.StatusNotFound)
		return
	}
	writeJSON(s.log, w, http.StatusOK, map[string]bool{"stopped": true})
}

// runBlocking executes a block to completion and returns all output in one
// response. Much easier to curl than the WebSocket endpoint, but does not
// support interactive input.
func (s *Server) runBlocking(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	identifier := params.ByName("identifier")

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "request contained no code", http.StatusBadRequest)
		return
	}
	interp, err := s.interpreters.Resolve(req.Language)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := s.registry.Start(s.lifetime, identifier, interp.Spec(req.Code, s.workDir))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sub := sess.Subscribe()
	defer sub.Cancel()

	var resp RunResponse
	var stdout, stderr []byte
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				resp.Stdout = string(stdout)
				resp.Stderr = string(stderr)
				writeJSON(s.log, w, http.StatusOK, resp)
				return
			}
			switch ev.Type {
			case engine.EventStdout:
				stdout = append(stdout, ev.Data...)
			case engine.EventStderr:
				stderr = append(stderr, ev.Data...)
			case engine.EventExit:
				resp.ExitCode = ev.ExitCode
				resp.Stopped = ev.Stopped
			case engine.EventError:
				resp.ExitCode = -1
				resp.Error = ev.Err
			}
		case <-r.Context().Done():
			// The caller gave up; don't leave the process running.
			sess.Stop()
			return
		}
	}
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
