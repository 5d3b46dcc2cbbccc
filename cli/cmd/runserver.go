package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfactoryio/serving-layer/controller/api/router"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCmdRunserver() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "runserver",
		Short: "Run the routing frontend in the foreground",
		Long: `Run the routing frontend in the foreground.

Serves /asset_stream and /asset_state, proxying each request to the worker
of the asset's group. Intended for local development; deployed environments
run the router service instead.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			controller, err := newController(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			server := router.NewServer(router.ServerConfig{
				Resolver: controller,
				Log:      log.WithField("component", "server"),
			})

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			httpServer := &http.Server{Addr: addr, Handler: server}
			go func() {
				log.Infof("starting HTTP server on %+v", addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("HTTP server failed: %s", err)
				}
			}()

			<-stop
			log.Infof("shutting down HTTP server on %+v", addr)
			httpServer.Shutdown(context.Background())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":5555", "Address for the frontend to listen on")

	return cmd
}
