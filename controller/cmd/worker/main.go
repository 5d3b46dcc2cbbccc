package worker

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/openfactoryio/serving-layer/controller/api/stream"
	"github.com/openfactoryio/serving-layer/pkg/admin"
	"github.com/openfactoryio/serving-layer/pkg/config"
	"github.com/openfactoryio/serving-layer/pkg/flags"
	"github.com/openfactoryio/serving-layer/pkg/kafka"
	"github.com/openfactoryio/serving-layer/pkg/ksql"
	"github.com/openfactoryio/serving-layer/pkg/logging"
)

// Main executes the worker subcommand: one group's stream fan-out API.
// The platform injects KAFKA_TOPIC and KAFKA_CONSUMER_GROUP_ID scoped to
// the group this instance serves.
func Main(args []string) {
	cmd := flag.NewFlagSet("worker", flag.ExitOnError)

	addr := cmd.String("addr", ":5555", "address to serve on")
	adminAddr := cmd.String("admin-addr", ":9990", "address to serve metrics and readiness on")

	flags.ConfigureAndParse(cmd, args)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	settings, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %s", err)
	}
	applyEnvLogLevel(cmd, settings)

	mode, err := stream.ParseMode(settings.MatchMode)
	if err != nil {
		log.Fatalf("invalid match mode: %s", err)
	}

	registry := stream.NewRegistry(mode, settings.KafkaTopic)

	consumer, err := kafka.NewGroupConsumer(settings.KafkaBroker, settings.KafkaConsumerGroupID, settings.KafkaTopic,
		log.WithField("component", "consumer"))
	if err != nil {
		log.Fatalf("connecting to kafka at %s: %s", settings.KafkaBroker, err)
	}

	dispatcher := stream.NewDispatcher(stream.DispatcherConfig{
		Consumer: consumer,
		Registry: registry,
		Topic:    settings.KafkaTopic,
		Log:      log.WithField("component", "dispatcher"),
	})

	// The dispatcher owns the consumer from here on; a failed run (no
	// partition assignment, poll errors) takes the process down so the
	// platform restarts it.
	go func() {
		if err := dispatcher.Run(); err != nil {
			log.Fatalf("dispatcher failed: %s", err)
		}
	}()

	ksqlClient := ksql.New(settings.KSQLDBURL)
	server := stream.NewServer(stream.ServerConfig{
		Registry:      registry,
		Dispatcher:    dispatcher,
		State:         stream.NewKSQLStateStore(ksqlClient, settings.KSQLDBAssetsTable),
		KSQLReady:     ksqlClient.Info,
		QueueCapacity: settings.QueueCapacity,
		Log:           log.WithField("component", "server"),
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
	dispatcher.Stop()
	if !dispatcher.Wait(stream.DefaultJoinTimeout) {
		log.Warn("dispatcher did not stop within the join timeout")
	}
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
