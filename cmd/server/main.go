package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/kalpana-labs/kalpana-controlplane/internal/agentbus"
	"github.com/kalpana-labs/kalpana-controlplane/internal/bucket"
	"github.com/kalpana-labs/kalpana-controlplane/internal/containers"
	"github.com/kalpana-labs/kalpana-controlplane/internal/databases"
	"github.com/kalpana-labs/kalpana-controlplane/internal/deploy"
	"github.com/kalpana-labs/kalpana-controlplane/internal/docker"
	"github.com/kalpana-labs/kalpana-controlplane/internal/portalloc"
	"github.com/kalpana-labs/kalpana-controlplane/internal/proxy"
	"github.com/kalpana-labs/kalpana-controlplane/internal/pubsub"
	"github.com/kalpana-labs/kalpana-controlplane/internal/secrets"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
	"github.com/kalpana-labs/kalpana-controlplane/internal/workspace"
)

func main() {
	app := &cli.App{
		Name:    "kalpana-controlplane",
		Usage:   "Kalpana Control Plane - manage workspaces, deployments, databases and buckets",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start the control plane server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Value: "0.0.0.0", EnvVars: []string{"KALPANA_HOST"}},
					&cli.IntFlag{Name: "port", Value: 8080, EnvVars: []string{"KALPANA_PORT"}},
					&cli.StringFlag{
						Name: "database", Value: "sqlite://./data/kalpana.db",
						Usage:   "Database connection string (sqlite://path/to/db.sqlite or postgresql://...)",
						EnvVars: []string{"KALPANA_DATABASE"},
					},
					&cli.StringFlag{Name: "docker-host", EnvVars: []string{"KALPANA_DOCKER_HOST"}},
					&cli.StringFlag{Name: "network-name", Value: "kalpana-net", EnvVars: []string{"KALPANA_NETWORK_NAME"}},
					&cli.StringFlag{Name: "base-domain", Value: "kalpana.dev", EnvVars: []string{"KALPANA_BASE_DOMAIN"}},
					&cli.StringFlag{Name: "workspace-image", Value: "kalpana/workspace:latest", EnvVars: []string{"KALPANA_WORKSPACE_IMAGE"}},
					&cli.StringFlag{Name: "build-context-dir", Value: "./docker/workspace", EnvVars: []string{"KALPANA_BUILD_CONTEXT_DIR"}},
					&cli.StringFlag{Name: "nix-volume", Value: "kalpana-nix-cache", EnvVars: []string{"KALPANA_NIX_VOLUME"}},
					&cli.StringFlag{Name: "extensions-volume", Value: "kalpana-extensions-cache", EnvVars: []string{"KALPANA_EXTENSIONS_VOLUME"}},
					&cli.Int64Flag{Name: "workspace-memory-bytes", Value: 2 << 30, EnvVars: []string{"KALPANA_WORKSPACE_MEMORY_BYTES"}},
					&cli.Int64Flag{Name: "workspace-nano-cpus", Value: 2_000_000_000, EnvVars: []string{"KALPANA_WORKSPACE_NANO_CPUS"}},
					&cli.IntFlag{Name: "port-range-min", Value: portalloc.DefaultRangeMin, EnvVars: []string{"KALPANA_PORT_RANGE_MIN"}},
					&cli.IntFlag{Name: "port-range-max", Value: portalloc.DefaultRangeMax, EnvVars: []string{"KALPANA_PORT_RANGE_MAX"}},
					&cli.StringFlag{Name: "redis-addr", EnvVars: []string{"KALPANA_REDIS_ADDR"}, Usage: "Redis address for the Agent Event Bus; empty uses an in-process bus"},
					&cli.StringFlag{Name: "encryption-key", EnvVars: []string{"KALPANA_ENCRYPTION_KEY"}, Usage: "Base64-encoded 32-byte AES key for secrets at rest"},
					&cli.StringSliceFlag{Name: "encryption-key-old", EnvVars: []string{"KALPANA_ENCRYPTION_KEY_OLD"}},
				},
				Action: runServer,
			},
			{
				Name:  "migrate",
				Usage: "Run database migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name: "database", Value: "sqlite://./data/kalpana.db",
						Usage:   "Database connection string (sqlite://path/to/db.sqlite or postgresql://...)",
						EnvVars: []string{"KALPANA_DATABASE"},
					},
				},
				Action: runMigrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// parseDatabase parses the database connection string and returns driver and DSN.
func parseDatabase(dbURL string) (driver string, dsn string, dialect store.Dialect, err error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		dsn = strings.TrimPrefix(dbURL, "sqlite://")
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", "", "", fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_fk=1"
		}
		return "sqlite3", dsn, store.DialectSQLite, nil
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		return "postgres", dbURL, store.DialectPostgres, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database URL format: %s (use sqlite:// or postgresql://)", dbURL)
	}
}

func runServer(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if err := secrets.Init(c.String("encryption-key"), c.StringSlice("encryption-key-old")...); err != nil {
		return fmt.Errorf("failed to initialize secrets encryptor: %w", err)
	}

	driver, dsn, dialect, err := parseDatabase(c.String("database"))
	if err != nil {
		return err
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed opening connection to %s: %w", driver, err)
	}
	defer sqlDB.Close()

	st, err := store.NewSQLStore(ctx, sqlDB, dialect)
	if err != nil {
		return fmt.Errorf("failed creating schema resources: %w", err)
	}

	dockerClient, err := docker.NewClient(c.String("docker-host"))
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}

	networkName := c.String("network-name")
	baseDomain := c.String("base-domain")

	containerMgr := containers.New(dockerClient, c.String("workspace-image"), c.String("build-context-dir"))
	if err := containerMgr.EnsureNetwork(ctx, networkName); err != nil {
		return fmt.Errorf("failed to ensure shared network: %w", err)
	}
	if err := containerMgr.EnsureWorkspaceImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure workspace image: %w", err)
	}
	if err := containerMgr.EnsureVolume(ctx, c.String("nix-volume"), ""); err != nil {
		return fmt.Errorf("failed to ensure nix cache volume: %w", err)
	}
	if err := containerMgr.EnsureVolume(ctx, c.String("extensions-volume"), ""); err != nil {
		return fmt.Errorf("failed to ensure extensions cache volume: %w", err)
	}

	proxyOrch := proxy.New(dockerClient, networkName)
	if err := proxyOrch.EnsureNetwork(ctx); err != nil {
		return fmt.Errorf("failed to ensure proxy network: %w", err)
	}
	if err := proxyOrch.EnsureProxy(ctx); err != nil {
		return fmt.Errorf("failed to ensure edge proxy: %w", err)
	}

	ports := portalloc.New(c.Int("port-range-min"), c.Int("port-range-max"), nil, st, containerMgr)

	workspaceSvc := workspace.New(containerMgr, ports, st, workspace.Config{
		NetworkName:          networkName,
		NixVolumeName:        c.String("nix-volume"),
		ExtensionsVolumeName: c.String("extensions-volume"),
		MemoryBytes:          c.Int64("workspace-memory-bytes"),
		NanoCPUs:             c.Int64("workspace-nano-cpus"),
	})
	deploySvc := deploy.New(containerMgr, ports, proxyOrch, st, deploy.Config{NetworkName: networkName, BaseDomain: baseDomain})
	databaseSvc := databases.New(containerMgr, ports, proxyOrch, st, databases.Config{NetworkName: networkName, BaseDomain: baseDomain})
	bucketSvc := bucket.New(containerMgr, ports, proxyOrch, st, bucket.Config{NetworkName: networkName, BaseDomain: baseDomain})

	var ps pubsub.PubSub
	var stream pubsub.Streamer
	redisAddr := c.String("redis-addr")
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		ps = pubsub.NewRedisPubSub(rdb)
		stream = pubsub.NewRedisStreamer(rdb)
	} else {
		mps := pubsub.NewMemoryPubSub()
		defer mps.Close()
		ps = mps
		stream = pubsub.NewMemoryStreamer()
	}

	gateway := agentbus.NewGateway(st, ps, stream)
	gatewayCtx, stopGateway := context.WithCancel(context.Background())
	defer stopGateway()
	go gateway.Run(gatewayCtx)

	a := &api{store: st, workspaces: workspaceSvc, deployments: deploySvc, databases: databaseSvc, buckets: bucketSvc}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	a.mount(router)

	addr := fmt.Sprintf("%s:%d", c.String("host"), c.Int("port"))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Println("Kalpana Control Plane")
	log.Println("======================")
	log.Printf("Database: %s (%s)\n", driver, dsn)
	log.Printf("Shared network: %s\n", networkName)
	log.Printf("Base domain: %s\n", baseDomain)
	if redisAddr != "" {
		log.Printf("Agent Event Bus: Redis (%s)\n", redisAddr)
	} else {
		log.Println("Agent Event Bus: in-process")
	}
	log.Printf("Health check: http://%s/health\n", addr)
	log.Println("")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()
	log.Printf("Server ready at http://%s\n", addr)

	<-ctx.Done()

	log.Println("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	stopGateway()

	log.Println("Server stopped")
	return nil
}

func runMigrate(c *cli.Context) error {
	ctx := context.Background()

	driver, dsn, dialect, err := parseDatabase(c.String("database"))
	if err != nil {
		return err
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed opening connection to %s: %w", driver, err)
	}
	defer sqlDB.Close()

	log.Printf("Running database migrations on %s...\n", driver)
	if _, err := store.NewSQLStore(ctx, sqlDB, dialect); err != nil {
		return fmt.Errorf("failed creating schema resources: %w", err)
	}

	log.Println("Migrations completed successfully!")
	log.Printf("Database: %s\n", dsn)
	return nil
}
