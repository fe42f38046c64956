package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaynet/chain-relayer/internal/api"
	"github.com/relaynet/chain-relayer/internal/lifecycle"
	"github.com/relaynet/chain-relayer/internal/monitorqueue"
	"github.com/relaynet/chain-relayer/internal/relayer"
	"github.com/relaynet/chain-relayer/internal/rpcpool"
	redisstore "github.com/relaynet/chain-relayer/internal/store/redis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relayer API and the lifecycle engine's monitoring loop",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	d, err := wireRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = d.log.Sync() }()
	log := d.log

	log.Info("starting relayer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := monitorqueue.NewRedisQueue(log, d.redis, "relayer")
	backgroundWg := &sync.WaitGroup{}
	sup := relayer.NewSupervisor(log, d.relayerDB, queue, d.chains, d.nonceMgr, d.signerFacade, backgroundWg)
	engine := lifecycle.New(log, d.txStore, d.signerFacade, d.nonceMgr, queue, d.chains, d.relayerDB, sup)

	healthStore := redisstore.NewEndpointHealthStore(d.redis)
	go persistEndpointHealth(ctx, backgroundWg, d.pools, healthStore)

	server := api.NewServer(log, engine, d.txStore, d.relayerDB, d.catalog,
		d.cfg.APIKey, rate.Limit(d.cfg.RateLimitRequestsPerSecond), d.cfg.RateLimitBurst)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", d.cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", d.cfg.MetricsPort),
		Handler:           server.MetricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	queueWg := sup.Start(ctx, d.cfg.MonitorWorkersPerChain, engine.Process)

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		log.Info("shutting down")
		cancel()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			log.Error("http server shutdown", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("http server failed", zap.Error(err))
	}

	<-connectionsClosed
	queueWg.Wait()
	backgroundWg.Wait()
	return nil
}

// persistEndpointHealth periodically snapshots every network's pool
// health into Redis so a restart resumes with each endpoint's cooldown
// state instead of treating every endpoint as freshly healthy.
func persistEndpointHealth(ctx context.Context, wg *sync.WaitGroup, pools map[string]*rpcpool.Pool, store *redisstore.EndpointHealthStore) {
	wg.Add(1)
	defer wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for networkID, pool := range pools {
				for _, ep := range pool.Endpoints() {
					if err := store.Save(ctx, networkID, ep); err != nil {
						continue
					}
				}
			}
		}
	}
}
