package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docker/libtrust"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/cache"
	"github.com/ocistack/stevedore/app/mirror"
	"github.com/ocistack/stevedore/app/notifications"
	"github.com/ocistack/stevedore/app/pullmetrics"
	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/registry"
	"github.com/ocistack/stevedore/app/secscan"
	"github.com/ocistack/stevedore/app/server"
	"github.com/ocistack/stevedore/app/storage"
	"github.com/ocistack/stevedore/app/store/crypt"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/store/engine/embedded"
	"github.com/ocistack/stevedore/app/store/service"
	"github.com/ocistack/stevedore/app/upload"
	"github.com/ocistack/stevedore/app/worker"
	"github.com/ocistack/stevedore/app/workers"
)

// notificationDisableThreshold is the consecutive-failure count after which a
// registered notification gets disabled by the dispatcher.
const notificationDisableThreshold = 5

func run() error {

	// setup logger for access requests
	accessLogger, err := createLoggerToFile()
	if err != nil {
		return errors.Wrap(err, "failed to setup logging to file, set logging to stdout")
	}

	defer func() {
		if logErr := accessLogger.Close(); logErr != nil {
			log.Printf("[WARN] can't close access log, %v", logErr)
		}
	}()

	sslConfig, sslErr := makeSSLConfig()
	if sslErr != nil {
		return fmt.Errorf("failed to make config of ssl server params: %w", sslErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dataStore, storeErr := makeDataStore(ctx, opts.Store)
	if storeErr != nil {
		cancel()
		return storeErr
	}

	driver, driverErr := storage.NewLocalFS(opts.Storage.Root, opts.Storage.Locations)
	if driverErr != nil {
		cancel()
		return errors.Wrap(driverErr, "failed to init blob storage driver")
	}

	signer, signErr := crypt.NewHasherStateSigner(opts.Auth.SignSecret)
	if signErr != nil {
		cancel()
		return errors.Wrap(signErr, "failed to init upload state signer")
	}
	encrypter, encErr := crypt.NewFieldEncrypter(opts.Auth.SignSecret)
	if encErr != nil {
		cancel()
		return errors.Wrap(encErr, "failed to init field encrypter")
	}

	// signs legacy schema-1 renditions, the key only needs to outlive the pull
	signingKey, keyErr := libtrust.GenerateECP256PrivateKey()
	if keyErr != nil {
		cancel()
		return errors.Wrap(keyErr, "failed to generate manifest signing key")
	}

	uploadSettings := upload.Settings{TempLinkTTL: duration(opts.Uploads.TempLinkTTL, time.Hour)}
	if opts.Uploads.MaxBlobSize != "" {
		maxBlobSize, sizeErr := sizeParse(opts.Uploads.MaxBlobSize)
		if sizeErr != nil {
			cancel()
			return errors.Wrap(sizeErr, "failed to parse max blob size")
		}
		uploadSettings.MaxBlobSize = int64(maxBlobSize)
	}
	uploadManager := upload.NewManager(uploadSettings, dataStore, driver, signer, log.Default())

	// redis backs pull counters, GC locking and distributed caches, all of them
	// degrade to in-process behavior without it
	var redisClient redis.UniversalClient
	if opts.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     opts.Redis.Address,
			Password: opts.Redis.Password,
			DB:       opts.Redis.DB,
		})
		log.Printf("[INFO] redis enabled at %s, db %d", opts.Redis.Address, opts.Redis.DB)
	}

	tagCache, tokenCache, cacheErr := makeCaches(redisClient)
	if cacheErr != nil {
		cancel()
		return cacheErr
	}

	metricsReg := prometheus.NewRegistry()
	queueMetrics := queue.NewMetrics(metricsReg)

	repoDelQ := queue.New(workers.RepositoryDeleteQueue, dataStore)
	nsDelQ := queue.New(workers.NamespaceDeleteQueue, dataStore)
	chunkQ := queue.New(workers.ChunkCleanupQueue, dataStore)
	replicationQ := queue.New(workers.ReplicationQueue, dataStore)
	notificationQ := queue.New(workers.NotificationQueue, dataStore)
	secscanQ := queue.New(workers.SecscanQueue, dataStore)

	dispatcher := notifications.NewDispatcher(dataStore, notificationDisableThreshold, log.Default(),
		&notifications.WebhookMethod{}, &notifications.SlackMethod{}, &notifications.InternalMethod{L: log.Default()})

	proxyCaches, proxyErr := makeProxyCaches(ctx, dataStore, uploadManager, encrypter, tokenCache)
	if proxyErr != nil {
		cancel()
		return proxyErr
	}

	var pulls server.PullCounter
	if redisClient != nil {
		pulls = pullmetrics.NewRecorder(redisClient, log.Default())
	}

	fleetWorkers := []*worker.Worker{
		workers.NewRepositoryDeleteWorker(dataStore, repoDelQ, queueMetrics, worker.QueueWorkerSettings{}, log.Default()).Worker,
		workers.NewNamespaceDeleteWorker(dataStore, nsDelQ, queueMetrics, worker.QueueWorkerSettings{}, log.Default()).Worker,
		workers.NewChunkCleanupWorker(driver, chunkQ, queueMetrics, worker.QueueWorkerSettings{}, log.Default()).Worker,
		workers.NewGarbageCollector(dataStore, driver, redisClient,
			workers.GCSettings{Period: duration(opts.Workers.GCPeriod, time.Minute)}, log.Default()),
		workers.NewCleanupWorker(dataStore, driver,
			workers.CleanupSettings{Period: duration(opts.Workers.CleanupPeriod, time.Hour)}, log.Default()),
	}

	// the two busiest queues get a small poller pool, claims are atomic so
	// concurrent pollers are safe
	for i := 0; i < worker.CountFromEnv("SD_WORKER_COUNT", 1, 1, 4); i++ {
		fleetWorkers = append(fleetWorkers,
			workers.NewReplicationWorker(dataStore, driver, replicationQ, queueMetrics, worker.QueueWorkerSettings{}, log.Default()).Worker,
			notifications.NewNotificationWorker(dispatcher, notificationQ, worker.QueueWorkerSettings{}, queueMetrics).Worker)
	}

	if redisClient != nil {
		flusher := pullmetrics.NewFlusher(redisClient, dataStore, log.Default())
		fleetWorkers = append(fleetWorkers,
			workers.NewPullMetricsWorker(flusher, duration(opts.Workers.PullMetricsPeriod, time.Minute), log.Default()))
	}

	if opts.Secscan.Endpoint != "" {
		scanner := secscan.NewClient(opts.Secscan.Endpoint, log.Default())
		notifier := secscan.NewNotifier(scanner, dataStore, dispatcher, notificationQ, log.Default())
		fleetWorkers = append(fleetWorkers,
			workers.NewSecscanWorker(notifier, secscanQ, queueMetrics, worker.QueueWorkerSettings{}, log.Default()).Worker)
		log.Printf("[INFO] security scanner notifications enabled, endpoint %s", opts.Secscan.Endpoint)
	}

	if opts.Workers.MirrorEnabled {
		syncer := mirror.NewSyncer(mirror.New(log.Default()), dataStore, opts.HostName,
			mirror.Credentials{}, encrypter, log.Default())
		fleetWorkers = append(fleetWorkers,
			workers.NewMirrorWorker(dataStore, syncer,
				workers.MirrorSettings{Period: duration(opts.Workers.MirrorPeriod, time.Minute)}, log.Default()))
		log.Printf("[INFO] repository mirroring enabled, period %s", opts.Workers.MirrorPeriod)
	}

	fleet := worker.NewFleet(log.Default(), fleetWorkers...)
	go func() {
		if fleetErr := fleet.Run(ctx); fleetErr != nil {
			log.Printf("[ERROR] worker fleet terminated, %v", fleetErr)
		}
	}()

	srv := server.Server{
		Hostname:  opts.HostName,
		Listen:    opts.Listen,
		Port:      opts.Port,
		AccessLog: accessLogger,
		L:         log.Default(),
		SSLConfig: sslConfig,

		Storage:     dataStore,
		Driver:      driver,
		Uploads:     uploadManager,
		ProxyCaches: proxyCaches,
		TagCache:    tagCache,
		Pulls:       pulls,
		Dispatcher:  dispatcher,
		SigningKey:  signingKey,

		NotificationQueue:     notificationQ,
		RepositoryDeleteQueue: repoDelQ,
		SecscanQueue:          secscanQ,

		AuthEnabled: opts.Auth.Enabled,
		Metrics:     metricsReg,
	}

	go func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}

		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	// shutdown server instance on context cancellation
	go func() {
		<-ctx.Done()
		log.Print("[INFO] shutdown initiated")
		srv.Shutdown()
	}()

	err = srv.Run(ctx)
	if err != nil && errors.Is(err, http.ErrServerClosed) {
		log.Printf("[WARN] registry server closed, %v", err) // nolint gocritic
		return nil
	}
	return err
}

// makeCaches builds the tag listing cache and the upstream token cache, redis
// backed when redis is configured, in-process otherwise.
func makeCaches(redisClient redis.UniversalClient) (tagCache, tokenCache cache.Cache, err error) {
	if redisClient != nil {
		return cache.NewRedis(redisClient), cache.NewRedis(redisClient), nil
	}
	mTags, err := cache.NewMemory(1000)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to init tag cache")
	}
	mTokens, err := cache.NewMemory(100)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to init token cache")
	}
	return mTags, mTokens, nil
}

// makeProxyCaches builds one proxy-cache service per configured namespace.
// Each namespace must exist and carry a proxy cache config row.
func makeProxyCaches(ctx context.Context, eng engine.Interface, uploads *upload.Manager,
	enc *crypt.FieldEncrypter, tokens cache.Cache) (map[string]*service.ProxyCacheService, error) {

	res := make(map[string]*service.ProxyCacheService, len(opts.Proxy.Namespaces))
	for _, name := range opts.Proxy.Namespaces {
		ns, err := eng.LookupNamespace(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to lookup proxy namespace %q", name)
		}
		cfg, err := eng.GetProxyCacheConfig(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load proxy cache config for %q", name)
		}

		// the config holds host[/namespace], the client needs the host only,
		// the service applies the namespace prefix per request
		settings := registry.Settings{InsecureTLS: cfg.InsecureTLS}
		settings.Host, _, _ = strings.Cut(cfg.UpstreamRegistry, "/")

		if cfg.Username != "" {
			if settings.Username, err = enc.DecryptValue(cfg.Username); err != nil {
				return nil, errors.Wrapf(err, "failed to decrypt upstream username for %q", name)
			}
		}
		if cfg.Password != "" {
			if settings.Password, err = enc.DecryptValue(cfg.Password); err != nil {
				return nil, errors.Wrapf(err, "failed to decrypt upstream password for %q", name)
			}
		}

		client := registry.NewClient(settings, registry.TokenCache(tokens), registry.Logger(log.Default()))
		res[name] = service.NewProxyCache(eng, client, uploads, ns, cfg, "", log.Default())
		log.Printf("[INFO] proxy cache enabled for namespace %s, upstream %s", name, cfg.UpstreamRegistry)
	}
	return res, nil
}

func sizeParse(inp string) (uint64, error) {
	if inp == "" {
		return 0, errors.New("empty value")
	}
	for i, sfx := range []string{"k", "m", "g", "t"} {
		if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
			val, err := strconv.Atoi(inp[:len(inp)-1])
			if err != nil {
				return 0, fmt.Errorf("can't parse %s: %w", inp, err)
			}
			return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
		}
	}
	return strconv.ParseUint(inp, 10, 64)
}

// createLoggerToFile setup logger to file with rotation and backup
// forward to stdout if logger setup failed
func createLoggerToFile() (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return os.Stdout, nil
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return os.Stdout, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] logger enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

func makeDataStore(ctx context.Context, storeOpts StoreGroup) (iStore engine.Interface, err error) {
	log.Printf("[INFO] make data store, type=%s", storeOpts.Type)

	switch storeOpts.Type {
	case "embed":
		e := embedded.NewEmbedded(storeOpts.Embed.Path)
		err = e.Connect(ctx)
		if err != nil && !errors.Is(err, embedded.ErrTableAlreadyExist) {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported store type %s", storeOpts.Type)
	}
}

func redirectHTTPPort(port int) int {
	// don't set default if any ssl.http-port defined by user
	if port != 0 {
		return port
	}

	return 80
}

// fqdns cleans space suffixes and prefixes which can sneak in from docker compose
func fqdns(domains []string) (res []string) {
	for _, v := range domains {
		res = append(res, strings.TrimSpace(v))
	}
	return res
}

// makeSSLConfig setup SSL config for use in main service
func makeSSLConfig() (config server.SSLConfig, err error) {
	switch opts.SSL.Type {
	case "none":
		config.SSLMode = server.SSLNone
	case "static":
		if opts.SSL.Cert == "" {
			return config, errors.New("path to cert.pem is required")
		}
		if opts.SSL.Key == "" {
			return config, errors.New("path to key.pem is required")
		}
		config.SSLMode = server.SSLStatic
		config.Cert = opts.SSL.Cert
		config.Key = opts.SSL.Key
		config.Port = opts.SSL.Port
		config.RedirHTTPPort = redirectHTTPPort(opts.SSL.RedirHTTPPort)
	case "auto":
		config.SSLMode = server.SSLAuto
		config.ACMELocation = opts.SSL.ACMELocation
		config.ACMEEmail = opts.SSL.ACMEEmail
		config.FQDNs = fqdns(opts.SSL.FQDNs)
		config.Port = opts.SSL.Port
		config.RedirHTTPPort = redirectHTTPPort(opts.SSL.RedirHTTPPort)
	default:
		return config, fmt.Errorf("invalid value %q for SSL_TYPE, allowed values are: none, static or auto", opts.SSL.Type)
	}
	return config, err
}
