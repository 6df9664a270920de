package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	_ "expvar" // Register the expvar handlers
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ttab/elephantine"
	"github.com/urfave/cli/v2"
	"github.com/wopihost/wopihost/internal"
	"github.com/wopihost/wopihost/wopi"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A .env file is optional, environment variables win either way.
	_ = godotenv.Load()

	runCmd := cli.Command{
		Name:        "run",
		Description: "Runs the WOPI host server",
		Action:      runServer,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: ":1080",
			},
			&cli.StringFlag{
				Name:  "profile-addr",
				Value: ":1081",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "error",
			},
			&cli.StringFlag{
				Name:    "public-url",
				EnvVars: []string{"PUBLIC_URL"},
				Value:   "http://localhost:1080",
			},
			&cli.StringFlag{
				Name:    "jwt-signing-key",
				EnvVars: []string{"JWT_SIGNING_KEY"},
			},
			&cli.StringFlag{
				Name:    "shared-secret",
				EnvVars: []string{"SHARED_SECRET"},
			},
			&cli.DurationFlag{
				Name:    "token-ttl",
				EnvVars: []string{"TOKEN_TTL"},
				Value:   wopi.DefaultTokenTTL,
			},
			&cli.StringFlag{
				Name:    "storage",
				Usage:   "document storage backend, \"memory\" or \"s3\"",
				EnvVars: []string{"STORAGE"},
				Value:   "memory",
			},
			&cli.StringFlag{
				Name:    "seed-dir",
				Usage:   "directory with documents to load into the memory store",
				EnvVars: []string{"SEED_DIR"},
			},
			&cli.StringFlag{
				Name:    "seed-owner",
				EnvVars: []string{"SEED_OWNER"},
				Value:   "wopihost",
			},
			&cli.StringFlag{
				Name:    "bucket",
				EnvVars: []string{"DOCUMENT_BUCKET"},
				Value:   "documents",
			},
			&cli.StringFlag{
				Name:    "s3-endpoint",
				Usage:   "override the S3 endpoint for use with MinIO",
				EnvVars: []string{"S3_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "s3-key-id",
				EnvVars: []string{"S3_ACCESS_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "s3-key-secret",
				EnvVars: []string{"S3_ACCESS_KEY_SECRET"},
			},
			&cli.BoolFlag{
				Name:    "s3-insecure",
				Usage:   "disable https for S3 access",
				EnvVars: []string{"S3_INSECURE"},
			},
			&cli.StringFlag{
				Name:    "engine-endpoint",
				Usage:   "editing engine base URL for all document categories",
				EnvVars: []string{"ENGINE_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "engine-word-endpoint",
				EnvVars: []string{"ENGINE_WORD_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "engine-spreadsheet-endpoint",
				EnvVars: []string{"ENGINE_SPREADSHEET_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "engine-presentation-endpoint",
				EnvVars: []string{"ENGINE_PRESENTATION_ENDPOINT"},
			},
		},
	}

	app := cli.App{
		Name:  "wopihost",
		Usage: "WOPI host server for an external document editing engine",
		Commands: []*cli.Command{
			&runCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("failed to run server",
			elephantine.LogKeyError, err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	var (
		addr         = c.String("addr")
		profileAddr  = c.String("profile-addr")
		logLevel     = c.String("log-level")
		publicURL    = c.String("public-url")
		sharedSecret = c.String("shared-secret")
		tokenTTL     = c.Duration("token-ttl")
	)

	logger := internal.SetUpLogger(logLevel, os.Stdout)

	if sharedSecret == "" {
		return errors.New("no shared secret configured")
	}

	signingKey, err := signingKeyFromConf(logger, c.String("jwt-signing-key"))
	if err != nil {
		return err
	}

	store, err := setUpDocStore(c, logger)
	if err != nil {
		return err
	}

	locks := wopi.NewLockManager(store)
	tokens := wopi.NewTokenService(signingKey, publicURL, tokenTTL)

	metrics, err := wopi.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	endpoints := map[wopi.Category]string{}

	for category, flag := range map[wopi.Category]string{
		wopi.CategoryWord:         "engine-word-endpoint",
		wopi.CategorySpreadsheet:  "engine-spreadsheet-endpoint",
		wopi.CategoryPresentation: "engine-presentation-endpoint",
	} {
		if v := c.String(flag); v != "" {
			endpoints[category] = v
		}
	}

	resolver, err := wopi.NewResolver(
		logger.With(internal.LogKeyComponent, "discovery"),
		wopi.ResolverOptions{
			Endpoint:  c.String("engine-endpoint"),
			Endpoints: endpoints,
		})
	if err != nil {
		return fmt.Errorf("failed to set up endpoint resolver: %w", err)
	}

	handler := wopi.NewHandler(
		logger, store, locks, tokens, metrics, publicURL)

	router := httprouter.New()

	err = wopi.SetUpRouter(router,
		wopi.WithTokenEndpoint(tokens, store, sharedSecret),
		wopi.WithLaunchEndpoint(tokens, store, resolver,
			sharedSecret, publicURL),
		wopi.WithJWKSEndpoint(signingKey),
		wopi.WithWOPIAPI(handler),
	)
	if err != nil {
		return fmt.Errorf("failed to set up router: %w", err)
	}

	logger.Debug("starting API server")

	group, gCtx := errgroup.WithContext(c.Context)

	group.Go(func() error {
		mux := http.DefaultServeMux

		mux.Handle("/metrics", promhttp.Handler())

		profileServer := http.Server{
			Addr:              profileAddr,
			Handler:           mux,
			ReadHeaderTimeout: 1 * time.Second,
		}

		go func() {
			<-gCtx.Done()
			profileServer.Close()
		}()

		err := profileServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Debug("profile server closed")

			return nil
		}

		return err
	})

	group.Go(func() error {
		return wopi.ListenAndServe(gCtx, addr, router)
	})

	err = group.Wait()
	if err != nil {
		return fmt.Errorf("failed to run server: %w", err)
	}

	return nil
}

func signingKeyFromConf(
	logger *slog.Logger, conf string,
) (*ecdsa.PrivateKey, error) {
	if conf != "" {
		keyData, err := base64.RawURLEncoding.DecodeString(conf)
		if err != nil {
			return nil, fmt.Errorf(
				"invalid base64 encoding for JWT signing key: %w", err)
		}

		key, err := x509.ParseECPrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT signing key: %w", err)
		}

		return key, nil
	}

	logger.Warn("no configured signing key, tokens won't survive a restart")

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	return key, nil
}

func setUpDocStore(
	c *cli.Context, logger *slog.Logger,
) (wopi.DocStore, error) {
	switch storage := c.String("storage"); storage {
	case "memory":
		store := wopi.NewMemDocStore()

		if dir := c.String("seed-dir"); dir != "" {
			_, err := store.SeedDirectory(
				c.Context, dir, c.String("seed-owner"))
			if err != nil {
				return nil, fmt.Errorf(
					"failed to seed document store: %w", err)
			}
		}

		return store, nil
	case "s3":
		client, err := wopi.S3Client(c.Context, wopi.S3Options{
			Endpoint:        c.String("s3-endpoint"),
			AccessKeyID:     c.String("s3-key-id"),
			AccessKeySecret: c.String("s3-key-secret"),
			DisableHTTPS:    c.Bool("s3-insecure"),
		})
		if err != nil {
			return nil, fmt.Errorf(
				"failed to create S3 client: %w", err)
		}

		bucket := c.String("bucket")

		logger.Debug("using S3 document storage",
			internal.LogKeyBucket, bucket)

		return wopi.NewS3DocStore(client, bucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", storage)
	}
}
