// Command merkleversed runs one server of the synchronization core: it
// resolves this server's place in the prefix hierarchy from a cluster
// configuration, starts the outer RPC surface, and launches the prepare
// and commit watcher loops.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"merkleverse/internal/config"
	"merkleverse/internal/epoch"
	"merkleverse/internal/innerprovider"
	"merkleverse/internal/merrors"
	"merkleverse/internal/peerclient"
	"merkleverse/internal/protocol"
	"merkleverse/internal/routines"
	"merkleverse/internal/rpcserver"
	"merkleverse/internal/topology"
	"merkleverse/internal/txpool"
	"merkleverse/internal/utils"
)

func main() {
	root := &cobra.Command{Use: "merkleversed"}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configRoot string
	var logLevel string
	var rpcTimeoutSeconds int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run one synchronization-core server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configRoot, logLevel, rpcTimeoutSeconds)
		},
	}
	cmd.Flags().StringVar(&configRoot, "config", "", "directory containing merkleverse.yaml")
	cmd.Flags().StringVar(&logLevel, "log-level", utils.EnvString("MERKLEVERSE_LOG_LEVEL", "info"), "logrus level (debug, info, warn, error)")
	cmd.Flags().IntVar(&rpcTimeoutSeconds, "rpc-timeout-seconds", utils.EnvInt("MERKLEVERSE_RPC_TIMEOUT_SECONDS", 5), "timeout for outbound inner-provider and peer RPCs")
	return cmd
}

func runServe(configRoot, logLevel string, rpcTimeoutSeconds int) error {
	logger := log.StandardLogger()
	if level, err := log.ParseLevel(logLevel); err == nil {
		logger.SetLevel(level)
	}
	entry := log.NewEntry(logger)

	loaded, err := config.Load(configRoot)
	if err != nil {
		return err
	}

	self, err := topology.Resolve(loaded.Cluster)
	if err != nil {
		return merrors.Wrap(merrors.ConfigError, err)
	}

	derived, _, err := self.PrivateKey.Derive()
	if err != nil {
		return err
	}

	rpcTimeout := time.Duration(rpcTimeoutSeconds) * time.Second

	state := epoch.New()
	pool := txpool.New()
	inner := innerprovider.NewHTTPClient(self.InnerProviderEndpoint, rpcTimeout)
	peers := peerclient.NewHTTPClient(rpcTimeout)

	engine := protocol.New(self, derived, state, pool, inner, peers, entry)
	watchers := routines.New(engine, state, pool, loaded.Routines, entry)
	server := rpcserver.New(engine, self, inner, entry)

	httpServer := &http.Server{Addr: loaded.ListenAddress, Handler: server}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go watchers.Run(ctx)

	go func() {
		entry.WithField("addr", loaded.ListenAddress).Info("starting outer RPC surface")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	entry.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
