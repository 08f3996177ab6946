package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"

	broker "github.com/Cotagge/auth-microservice"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "token-broker",
		Usage:   "OAuth2/OIDC token broker service",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config.yaml",
				Usage:   "path to the broker configuration file",
				EnvVars: []string{"TOKEN_BROKER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "listen address, overrides the configured one",
				EnvVars: []string{"TOKEN_BROKER_LISTEN"},
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	cfg, err := broker.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	if addr := cmd.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}

	store, err := broker.OpenStore(cfg.DatabasePath)
	if err != nil {
		return err
	}

	bk, err := broker.NewBroker(broker.BrokerArgs{
		Store:  store,
		Config: cfg,
		Logger: slog.Default(),
	})
	if err != nil {
		return err
	}

	srv := &Server{
		broker: bk,
		store:  store,
		cfg:    cfg,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(slog.Default()))

	e.GET("/authorize", srv.handleAuthorize)
	e.GET("/authcallback", srv.handleCallback)
	e.GET("/token", srv.handleToken)
	e.GET("/healthz", srv.handleHealthz)

	httpd := http.Server{
		Addr:    cfg.ListenAddr,
		Handler: e,
	}

	fmt.Fprintf(os.Stderr, "token broker listening on %s\n", cfg.ListenAddr)

	return httpd.ListenAndServe()
}
