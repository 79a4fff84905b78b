package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth_chi"
	"github.com/docker/libtrust"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/notifications"
	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/store/service"
	"github.com/ocistack/stevedore/app/upload"
)

// Server is the HTTP front of the registry: the distribution data plane under
// /v2 and the control plane under /api/v1.
type Server struct {
	Hostname  string
	Listen    string // listen on host:port scope
	Port      int    // main service port, default 80
	SSLConfig SSLConfig
	AccessLog io.Writer // access logger, nil disables access logging
	L         log.L     // system logger

	Storage     engine.Interface
	Driver      storage.Driver
	Uploads     *upload.Manager
	ProxyCaches map[string]*service.ProxyCacheService // proxy-cache service per namespace name
	TagCache    cache.Cache                           // nil degrades to uncached listing
	Pulls       PullCounter                           // nil disables pull counting
	Dispatcher  *notifications.Dispatcher
	SigningKey  libtrust.PrivateKey // nil disables the schema-1 downgrade for legacy pull clients

	NotificationQueue     *queue.Queue
	RepositoryDeleteQueue *queue.Queue
	SecscanQueue          *queue.Queue

	AuthEnabled bool                 // require app tokens on every route
	Metrics     *prometheus.Registry // nil disables the /metrics endpoint

	ctx         context.Context
	httpsServer *http.Server
	httpServer  *http.Server
	lock        sync.Mutex
}

func (s *Server) Run(ctx context.Context) error {

	s.ctx = ctx

	if s.Listen == "*" {
		s.Listen = ""
	}

	if s.Storage == nil || s.Driver == nil || s.Uploads == nil {
		return errors.New("storage engine, storage driver and upload manager are required")
	}

	switch s.SSLConfig.SSLMode {
	case SSLNone:
		log.Printf("[INFO] activate http server on %s:%d", s.Listen, s.Port)

		s.lock.Lock()
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.routes())
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")
		s.lock.Unlock()

		return s.httpServer.ListenAndServe()

	case SSLStatic:
		log.Printf("[INFO] activate https server in 'static' mode on %s:%d", s.Listen, s.SSLConfig.Port)

		s.lock.Lock()
		s.httpsServer = s.makeHTTPSServer(fmt.Sprintf("%s:%d", s.Listen, s.SSLConfig.Port), s.routes())
		s.httpsServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		// define redirection from http -> https
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.httpToHTTPSRouter())
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")
		s.lock.Unlock()

		go func() {
			log.Printf("[INFO] activate http redirect server on %s:%d", s.Listen, s.Port)
			err := s.httpServer.ListenAndServe()
			log.Printf("[WARN] http redirect server terminated, %s", err)
		}()

		return s.httpsServer.ListenAndServeTLS(s.SSLConfig.Cert, s.SSLConfig.Key)

	case SSLAuto:
		log.Printf("[INFO] activate https server in 'auto' mode on %s:%d", s.Listen, s.SSLConfig.Port)

		m := s.makeAutocertManager()
		s.lock.Lock()
		s.httpsServer = s.makeHTTPSAutocertServer(fmt.Sprintf("%s:%d", s.Listen, s.SSLConfig.Port), s.routes(), m)
		s.httpsServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		// define redirection handler for ACME challenge verification
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.httpChallengeRouter(m))
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		s.lock.Unlock()

		go func() {
			log.Printf("[INFO] activate http challenge server on port %d", s.Port)

			err := s.httpServer.ListenAndServe()
			log.Printf("[WARN] http challenge server terminated, %s", err)
		}()

		return s.httpsServer.ListenAndServeTLS("", "")
	}

	return nil
}

// Shutdown http server instance
func (s *Server) Shutdown() {
	log.Print("[WARN] shutdown rest server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.lock.Lock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] http shutdown error, %s", err)
		}
		log.Print("[DEBUG] shutdown http server completed")
	}

	if s.httpsServer != nil {
		log.Print("[WARN] shutdown https server")
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] https shutdown error, %s", err)
		}
		log.Print("[DEBUG] shutdown https server completed")
	}

	if err := s.Storage.Close(ctx); err != nil {
		log.Print("[ERROR] failed to close storage connection")
	}
	s.lock.Unlock()
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Throttle(1000), middleware.RealIP, R.Recoverer(log.Default()))
	router.Use(R.Ping)
	if s.AccessLog != nil {
		router.Use(accessLogHandler(s.AccessLog))
	}

	auth := &tokenAuthenticator{eng: s.Storage, enabled: s.AuthEnabled, l: s.L}

	tagCache := s.TagCache
	if tagCache == nil {
		tagCache = cache.NewNoop()
	}

	rh := &registryHandlers{
		eng:        s.Storage,
		uploads:    s.Uploads,
		driver:     s.Driver,
		proxies:    s.ProxyCaches,
		tagCache:   tagCache,
		pulls:      s.Pulls,
		events:     s.Dispatcher,
		notifQ:     s.NotificationQueue,
		signingKey: s.SigningKey,
		content:    service.NewContentRetriever(s.Storage, s.Driver),
		l:          s.L,
	}

	// distribution data plane, no request timeout here, blob transfers run as
	// long as the client keeps the bytes flowing
	router.Route("/v2", func(v2 chi.Router) {
		v2.Use(auth.Handler)

		v2.Get("/", rh.apiVersion)
		v2.Route("/{namespace}/{name}", func(repo chi.Router) {
			repo.Get("/tags/list", rh.tagsList)

			repo.Get("/manifests/{ref}", rh.manifestGet)
			repo.Head("/manifests/{ref}", rh.manifestGet)
			repo.Put("/manifests/{ref}", rh.manifestPut)
			repo.Delete("/manifests/{ref}", rh.manifestDelete)

			repo.Get("/blobs/{digest}", rh.blobGet)
			repo.Head("/blobs/{digest}", rh.blobGet)

			repo.Post("/blobs/uploads/", rh.uploadStart)
			repo.Patch("/blobs/uploads/{uploadID}", rh.uploadChunk)
			repo.Put("/blobs/uploads/{uploadID}", rh.uploadCommit)
			repo.Get("/blobs/uploads/{uploadID}", rh.uploadStatus)
			repo.Delete("/blobs/uploads/{uploadID}", rh.uploadCancel)
		})
	})

	ah := &apiHandlers{
		eng:        s.Storage,
		dispatcher: s.Dispatcher,
		repoDelQ:   s.RepositoryDeleteQueue,
		secscanQ:   s.SecscanQueue,
		l:          s.L,
	}

	router.Route("/api/v1", func(rootAPI chi.Router) {
		rootAPI.Use(middleware.Timeout(30 * time.Second))
		rootAPI.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(10, nil)), middleware.NoCache)

		// the scanner callback authenticates out of band, the webhook only
		// queues a name for the ingest worker
		rootAPI.Post("/secscan/notification", ah.secscanWebhook)

		rootAPI.Group(func(api chi.Router) {
			api.Use(auth.Handler)

			api.Route("/repository/{namespace}/{name}", func(repo chi.Router) {
				repo.Get("/tag/", ah.tagHistory)
				repo.Put("/tag/{tag}/expiration", ah.changeTagExpiration)
				repo.Get("/notification/", ah.listNotifications)
				repo.Post("/notification/", ah.createNotification)
				repo.Delete("/", ah.deleteRepository)
			})
			api.Post("/user/apptoken", ah.createAppToken)
		})
	})

	if s.Metrics != nil {
		router.Method("GET", "/metrics",
			promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{Registry: s.Metrics}))
	}

	return router
}

// accessLogHandler the handler will log all request for access to the server
func accessLogHandler(wr io.Writer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(wr, next)
	}
}

func (s *Server) makeHTTPServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}
