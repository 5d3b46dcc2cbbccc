package router

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/controller/api/router"
	"github.com/openfactoryio/serving-layer/controller/routing"
	"github.com/openfactoryio/serving-layer/pkg/admin"
	"github.com/openfactoryio/serving-layer/pkg/config"
	"github.com/openfactoryio/serving-layer/pkg/flags"
	"github.com/openfactoryio/serving-layer/pkg/logging"
)

// Main executes the router subcommand: the frontend proxying each request
// to the worker serving the asset's group.
func Main(args []string) {
	cmd := flag.NewFlagSet("router", flag.ExitOnError)

	addr := cmd.String("addr", ":5555", "address to serve on")
	adminAddr := cmd.String("admin-addr", ":9991", "address to serve metrics and readiness on")

	flags.ConfigureAndParse(cmd, args)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	settings, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	applyEnvLogLevel(cmd, settings)

	controller, err := routing.FromSettings(context.Background(), settings, log.WithField("component", "controller"))
	if err != nil {
		log.Fatalf("initializing routing controller: %s", err)
	}

	server := router.NewServer(router.ServerConfig{
		Resolver: controller,
		Log:      log.WithField("component", "server"),
	})

	httpServer := &http.Server{Addr: *addr, Handler: server}
	go func() {
		log.Infof("starting HTTP server on %+v", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %s", err)
		}
	}()

	go admin.StartServer(*adminAddr, server.Ready)

	<-stop

	log.Infof("shutting down HTTP server on %+v", *addr)
	httpServer.Shutdown(context.Background())
}

// applyEnvLogLevel lets the platform-injected LOG_LEVEL drive verbosity
// unless -log-level was passed explicitly.
func applyEnvLogLevel(cmd *flag.FlagSet, settings *config.Settings) {
	explicit := false
	cmd.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			explicit = true
		}
	})
	if !explicit {
		logging.SetLogLevel(settings.ParsedLogLevel())
	}
}
