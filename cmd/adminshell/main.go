package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2beens/donationadmin/internal/auth"
	"github.com/2beens/donationadmin/internal/config"
	"github.com/2beens/donationadmin/internal/gateway"
	"github.com/2beens/donationadmin/internal/logging"
	"github.com/2beens/donationadmin/internal/shell"
	"github.com/2beens/donationadmin/internal/storage"
	"github.com/2beens/donationadmin/internal/telemetry/metrics"
	"github.com/2beens/donationadmin/internal/telemetry/tracing"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	fmt.Println("starting admin shell ...")

	env := flag.String("env", "development", "environment [prod | production | dev | development]")
	configPath := flag.String("config", "./config.toml", "path for the TOML config file")
	surfaceName := flag.String("surface", config.DefaultSurface, "admin surface to mount, sets the inactivity timeout")
	flag.Parse()

	cfg, err := config.Load(*env, *configPath)
	if err != nil {
		panic(err)
	}

	logWriter := logging.Setup(logging.LoggerSetupParams{
		LogFileName:      cfg.LogsPath,
		LogToStdout:      cfg.LogToStdout,
		LogLevel:         cfg.LogLevel,
		LogFormatJSON:    cfg.LogFormatJSON,
		Environment:      cfg.Environment,
		SentryEnabled:    cfg.SentryEnabled,
		SentryDSN:        os.Getenv("SENTRY_DSN"),
		SentryServerName: "adminshell",
	})
	log.Warnf("---->> running in [%s] environment", *env)

	surfaceTimeout, err := cfg.SurfaceTimeout(*surfaceName)
	if err != nil {
		log.Fatalf("surface: %s", err)
	}

	username := os.Getenv("DONATION_ADMIN_USERNAME")
	password := os.Getenv("DONATION_ADMIN_PASSWORD")
	if username == "" || password == "" {
		log.Warnln("admin credentials not set, use DONATION_ADMIN_USERNAME and DONATION_ADMIN_PASSWORD to log in; mounting with stored session only")
	}

	chOsInterrupt := make(chan os.Signal, 1)
	signal.Notify(chOsInterrupt, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	persistent := storage.Store(storage.NewMemoryStore())
	if cfg.Storage == config.StorageRedis {
		redisPassword := os.Getenv("DONATION_ADMIN_REDIS_PASS")
		if redisPassword == "" {
			log.Errorf("redis password not set. use DONATION_ADMIN_REDIS_PASS")
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
			Password: redisPassword,
			DB:       0, // use default DB
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %s", err)
		}
		persistent = storage.NewRedisStore(rdb, cfg.RedisNamespace)
	}
	ports := storage.Ports{
		Persistent: persistent,
		Volatile:   storage.NewCacheStore(cfg.TabCacheSize),
	}

	otelShutdown, err := tracing.HoneycombSetup(os.Getenv("HONEYCOMB_ENABLED") == "true", "donation-adminshell", rdb)
	if err != nil {
		log.Fatalf("tracing setup: %s", err)
	}

	promRegistry := metrics.SetupPrometheus()
	metricsManager := metrics.NewManager("admin", "shell", promRegistry)
	metricsHttpServer := serveMetrics(cfg, promRegistry)

	httpClient, err := gateway.NewCredentialedClient(cfg.HTTPTimeout.Duration)
	if err != nil {
		log.Fatalf("http client: %s", err)
	}
	gw, err := gateway.NewGateway(gateway.Config{
		BaseURL:           cfg.BackendURL,
		AntiForgeryCookie: cfg.AntiForgeryCookie,
		AntiForgeryHeader: cfg.AntiForgeryHeader,
		RefreshPath:       cfg.RefreshPath,
	}, httpClient, nil, metricsManager)
	if err != nil {
		log.Fatalf("gateway: %s", err)
	}

	navigator := shell.NewLogNavigator(cfg.LoginURL)
	adminShell := shell.New(shell.Config{
		Surface:       shell.Surface{Name: *surfaceName, Timeout: surfaceTimeout},
		SweepInterval: cfg.SweepInterval.Duration,
		LoginPath:     cfg.LoginPath,
		LogoutPath:    cfg.LogoutPath,
	}, ports, gw, navigator, shell.LogNotifier{}, metricsManager)

	defer func() {
		adminShell.Unmount()
		shutdown(otelShutdown, rdb, metricsHttpServer, logWriter)
	}()

	if username != "" && password != "" {
		if _, err := adminShell.Login(ctx, auth.Credentials{Username: username, Password: password}); err != nil {
			log.Errorf("login failed: %s", err)
			return
		}
	}
	if err := adminShell.Mount(ctx); err != nil {
		log.Errorf("mount: %s", err)
		return
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	fmt.Println("admin shell ready, type a signal (click, keydown, ...), get/post /path [json], whoami, logout or quit")

	for {
		select {
		case receivedSig := <-chOsInterrupt:
			log.Warnf("signal [%s] received, shutting down ...", receivedSig)
			return
		case <-adminShell.Done():
			log.Warnln("session ended, shutting down ...")
			return
		case line, ok := <-lines:
			if !ok {
				log.Debugln("stdin closed")
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Printf("! %s\n", err)
				continue
			}
			if err := runCommand(ctx, adminShell, cmd, os.Stdout); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Printf("! %s\n", err)
			}
		}
	}
}

func readLines(f *os.File, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("read stdin: %s", err)
	}
}

func serveMetrics(cfg *config.Config, promRegistry *prometheus.Registry) *http.Server {
	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	metricsAddr := net.JoinHostPort(cfg.PrometheusMetricsHost, cfg.PrometheusMetricsPort)
	metricsHttpServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics service, listen and serve: %s", err)
		}
	}()

	return metricsHttpServer
}

func shutdown(otelShutdown func(), rdb *redis.Client, metricsHttpServer *http.Server, logWriter io.Writer) {
	log.Debug("graceful shutdown initiated ...")

	otelShutdown()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	ctx, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer timeoutCancel()
	if err := metricsHttpServer.Shutdown(ctx); err != nil {
		log.Error(" >>> failed to gracefully shutdown metrics http server")
	}
	log.Warnln("admin shell shut down")

	if _, isFile := logWriter.(*os.File); !isFile {
		if closer, ok := logWriter.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}
