package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/relaynet/chain-relayer/internal/catalog"
	"github.com/relaynet/chain-relayer/internal/config"
	"github.com/relaynet/chain-relayer/internal/lifecycle"
	"github.com/relaynet/chain-relayer/internal/nonce"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/rpcpool"
	"github.com/relaynet/chain-relayer/internal/signer"
	"github.com/relaynet/chain-relayer/internal/store/postgres"
	redisstore "github.com/relaynet/chain-relayer/internal/store/redis"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// deps is every long-lived dependency the serve/reconcile-nonces
// subcommands share, built once from config the way cmd/node/main.go
// builds its own flat list of backends before wiring the API.
type deps struct {
	log *zap.Logger
	cfg *config.Config

	catalog   *catalog.Catalog
	txStore   *postgres.Store
	relayerDB *postgres.RelayerStore
	redis     *redis.Client

	nonceMgr     *nonce.Manager
	signerFacade *signer.Facade

	chains map[string]*lifecycle.ChainRuntime
	pools  map[string]*rpcpool.Pool
}

func newLogger(cfg *config.Config) *zap.Logger {
	if !cfg.LogProd {
		logger, _ := zap.NewDevelopment()
		return namedService(logger, cfg)
	}

	atom := zap.NewAtomicLevel()
	if cfg.Debug {
		atom.SetLevel(zap.DebugLevel)
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		atom,
	))
	return namedService(logger, cfg)
}

func namedService(logger *zap.Logger, cfg *config.Config) *zap.Logger {
	if cfg.LogService != "" {
		return logger.With(zap.String("service", cfg.LogService))
	}
	return logger
}

// wireCore builds config, logging, the network catalog and the two
// Postgres-backed stores — the minimum every subcommand needs.
func wireCore() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)

	cat, err := catalog.LoadFile(cfg.NetworkCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load network catalog: %w", err)
	}

	txStore, err := postgres.New(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	relayerDB, err := postgres.NewRelayerStore(txStore.DB())
	if err != nil {
		return nil, fmt.Errorf("prepare relayer store: %w", err)
	}

	return &deps{log: log, cfg: cfg, catalog: cat, txStore: txStore, relayerDB: relayerDB}, nil
}

// wireRuntime extends wireCore with Redis-backed state, the signer
// facade and one lifecycle.ChainRuntime per catalog network — everything
// the lifecycle engine needs to actually process transactions.
func wireRuntime() (*deps, error) {
	d, err := wireCore()
	if err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(d.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	d.redis = redis.NewClient(redisOpts)

	nonceStore := redisstore.NewNonceStore(d.redis)
	d.nonceMgr = nonce.New(nonceStore)

	d.signerFacade = signer.NewFacade(d.log)
	localBackend := signer.NewLocalBackend()
	d.signerFacade.Register(string(signer.KindLocal), localBackend)

	relayers, err := d.relayerDB.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("list relayers for keystore load: %w", err)
	}

	var specs []signer.RelayerKeySpec
	for _, r := range relayers {
		if r.SignerID != string(signer.KindLocal) {
			continue
		}
		params, err := d.catalog.Get(r.NetworkID)
		if err != nil {
			return nil, fmt.Errorf("relayer %s: %w", r.ID, err)
		}
		specs = append(specs, signer.RelayerKeySpec{RelayerID: r.ID, ChainType: params.Type})
	}
	if len(specs) > 0 {
		passphrase := []byte(d.cfg.KeystorePassphrase)
		if err := signer.LoadKeystoreDir(localBackend, d.cfg.KeystoreDir, specs, passphrase); err != nil {
			return nil, fmt.Errorf("load keystores: %w", err)
		}
	}

	healthStore := redisstore.NewEndpointHealthStore(d.redis)

	d.chains = make(map[string]*lifecycle.ChainRuntime)
	d.pools = make(map[string]*rpcpool.Pool)
	for _, r := range relayers {
		if _, ok := d.chains[r.NetworkID]; ok {
			continue
		}
		params, err := d.catalog.Get(r.NetworkID)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", r.NetworkID, err)
		}
		endpoints := make([]relaymodel.Endpoint, 0, len(params.RPCURLs))
		for _, u := range params.RPCURLs {
			ep := relaymodel.Endpoint{URL: u.URL, Weight: u.Weight}
			if saved, err := healthStore.Load(context.Background(), r.NetworkID, u.URL); err == nil {
				ep.ConsecutiveFailures = saved.ConsecutiveFailures
				ep.CooldownUntil = saved.CooldownUntil
			}
			endpoints = append(endpoints, ep)
		}
		pool := rpcpool.New(d.log, endpoints)
		pool.SetNetworkID(r.NetworkID)
		d.pools[r.NetworkID] = pool
		d.chains[r.NetworkID] = lifecycle.NewChainRuntime(params, pool)
	}

	return d, nil
}
