package internal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron"
	log "github.com/sirupsen/logrus"

	"github.com/superduperfeeder/feeder/internal/queue"
	"github.com/superduperfeeder/feeder/internal/store"
)

const shutdownGrace = 30 * time.Second

// Server is the feeder server
type Server struct {
	bind   string
	config *Config

	router *httprouter.Router
	server *http.Server

	store    *store.Store
	queue    *queue.Queue
	hub      *Hub
	poller   *Poller
	external *ExternalClient
	cron     *cron.Cron

	startedAt time.Time
}

// NewServer ...
func NewServer(bind string, options ...Option) (*Server, error) {
	config := NewConfig()

	for _, opt := range options {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := store.Open(config.Store)
	if err != nil {
		log.WithError(err).Errorf("error opening store %s", config.Store)
		return nil, err
	}

	q := queue.New(db, queue.WithWorkers(config.QueueWorkers))

	hub := NewHub(config, db, q)
	poller := NewPoller(config, db, q, hub)
	external := NewExternalClient(config, db, q, hub)

	router := httprouter.New()

	server := &Server{
		bind:   bind,
		config: config,

		router: router,
		server: &http.Server{Addr: bind, Handler: router},

		store:    db,
		queue:    q,
		hub:      hub,
		poller:   poller,
		external: external,
		cron:     cron.New(),

		startedAt: time.Now(),
	}

	if err := server.setupCronJobs(); err != nil {
		log.WithError(err).Error("error setting up background jobs")
		return nil, err
	}

	server.initRoutes()

	return server, nil
}

// Store exposes the underlying data store, mostly for tests.
func (s *Server) Store() *store.Store { return s.store }

// Hub exposes the hub engine.
func (s *Server) Hub() *Hub { return s.hub }

// Poller exposes the polling engine.
func (s *Server) Poller() *Poller { return s.poller }

// External exposes the external subscription client.
func (s *Server) External() *ExternalClient { return s.external }

// Run starts the queue workers, background jobs and the HTTP listener and
// blocks until the listener stops.
func (s *Server) Run() error {
	log.Infof("%s listening on http://%s", s.config.UserAgent(), s.bind)

	s.queue.Start(context.Background())
	s.cron.Start()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops intake, drains the queue and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("error shutting down http server")
	}

	s.cron.Stop()

	if err := s.queue.Stop(shutdownGrace); err != nil {
		log.WithError(err).Warn("error draining queue")
	}

	if err := s.store.Close(); err != nil {
		log.WithError(err).Error("error closing store")
		return err
	}
	return nil
}

func (s *Server) initRoutes() {
	// WebSub hub endpoint: subscribe, unsubscribe and publish land here.
	s.router.POST("/", s.HubEndpointHandler())

	// REST front door for the same hub operations.
	s.router.POST("/api/subscribe", s.SubscribeHandler())
	s.router.POST("/api/unsubscribe", s.UnsubscribeHandler())

	// Outbound subscriptions on behalf of user callbacks.
	s.router.POST("/api/webhook", s.WebhookHandler())
	s.router.GET("/api/webhook/verify/:token", s.WebhookVerifyHandler())

	// Callback paths handed to upstream hubs.
	s.router.GET("/callback/:id", s.CallbackVerifyHandler())
	s.router.POST("/callback/:id", s.CallbackContentHandler())

	// Feed administration.
	s.router.GET("/api/feeds", s.FeedsHandler())
	s.router.GET("/api/feeds/:id", s.FeedHandler())
	s.router.GET("/api/feeds/:id/items", s.FeedItemsHandler())
	s.router.POST("/api/feeds/:id/toggle", s.FeedToggleHandler())
	s.router.POST("/api/feeds/:id/poll", s.FeedUpdateHandler())

	s.router.GET("/info", s.InfoHandler())
	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
}
