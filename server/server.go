// Package server wires the document core into a websocket-serving HTTP
// server: per-connection API framing, challenge-response session auth, and
// an on-demand registry of open document files.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sfescape/bayou/apiframe"
	"github.com/sfescape/bayou/caretpubsub"
	"github.com/sfescape/bayou/config"
	"github.com/sfescape/bayou/doccontrol"
	"github.com/sfescape/bayou/metrics"
	"github.com/sfescape/bayou/txfile"
)

// Server owns the shared pieces of one bayou server process.
type Server struct {
	cfg     *config.Config
	codec   *apiframe.Codec
	logger  *zap.Logger
	metrics *metrics.Metrics
	reg     *prometheus.Registry

	store  *txfile.BadgerStore
	pubsub caretpubsub.PubSub

	mu        sync.Mutex
	complexes map[string]*doccontrol.FileComplex
}

// New builds a server from configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:       cfg,
		codec:     apiframe.StdCodec(),
		logger:    logger,
		metrics:   metrics.New(reg),
		reg:       reg,
		complexes: make(map[string]*doccontrol.FileComplex),
	}

	if cfg.DataDir != "" {
		store, err := txfile.OpenBadgerStore(cfg.DataDir, logger)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pubsub, err := caretpubsub.NewRedisPubSub(client, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting redis: %w", err)
		}
		s.pubsub = pubsub
	}
	return s, nil
}

// Close releases storage and pubsub resources.
func (s *Server) Close() error {
	s.mu.Lock()
	complexes := s.complexes
	s.complexes = make(map[string]*doccontrol.FileComplex)
	s.mu.Unlock()
	for _, fc := range complexes {
		fc.Close()
	}
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Handler returns the HTTP surface: /api for the websocket protocol,
// /metrics for prometheus, /healthz for probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.handleAPI)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// ListenAndServe blocks serving the configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
	s.logger.Info("Serving", zap.String("addr", s.cfg.ListenAddr))
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	transport, err := apiframe.UpgradeWebsocket(w, r)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	conn := apiframe.NewConnection(transport, s.codec, s.keySource(), nil, s.logger)
	conn.SetTargetProvider(&sessionProvider{server: s, conn: conn})

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	if err := conn.Run(r.Context()); err != nil {
		s.logger.Debug("Connection ended with protocol violation", zap.Error(err))
	}
}

func (s *Server) keySource() apiframe.KeySource {
	keys := make(apiframe.StaticKeySource, len(s.cfg.Keys))
	for _, key := range s.cfg.Keys {
		keys[key.ID] = []byte(key.Secret)
	}
	return keys
}

// complexFor opens (once) the file complex for a document.
func (s *Server) complexFor(ctx context.Context, docID string) (*doccontrol.FileComplex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fc, ok := s.complexes[docID]; ok {
		return fc, nil
	}
	var file txfile.File
	if s.store != nil {
		f, err := s.store.File(docID)
		if err != nil {
			return nil, err
		}
		file = f
	} else {
		file = txfile.NewMemoryFile(docID, s.logger)
	}
	opts := doccontrol.DefaultComplexOptions()
	opts.NodeID = s.cfg.NodeID
	fc, err := doccontrol.NewFileComplex(ctx, file, s.codec, opts, s.pubsub, nil, s.metrics, s.logger)
	if err != nil {
		return nil, err
	}
	s.complexes[docID] = fc
	return fc, nil
}

// sessionProvider turns an authorized session key into a live session
// target, tying the session's lifetime to its connection.
type sessionProvider struct {
	server *Server
	conn   *apiframe.Connection
}

// TargetFor implements apiframe.TargetProvider.
func (p *sessionProvider) TargetFor(ctx context.Context, targetID string) (apiframe.Target, error) {
	key, ok := p.server.cfg.KeyFor(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apiframe.ErrUnknownTarget, targetID)
	}
	fc, err := p.server.complexFor(ctx, key.Document)
	if err != nil {
		return nil, err
	}
	session, err := fc.NewSession(ctx, key.Author)
	if err != nil {
		return nil, err
	}
	p.conn.OnClose(func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fc.EndSession(endCtx, session.SessionID()); err != nil {
			p.server.logger.Debug("Session cleanup failed",
				zap.String("session_id", session.SessionID()),
				zap.Error(err))
		}
	})
	return session.Target(), nil
}
