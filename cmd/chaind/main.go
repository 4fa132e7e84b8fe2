// Package main implements chaind, the wallet's chain-data daemon. It
// connects the node client to the sync engine, runs the initial account
// scans and serves until a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/meridianwallet/chaind/internal/chaindata"
	"github.com/meridianwallet/chaind/internal/config"
	"github.com/meridianwallet/chaind/internal/store/memstore"
	"github.com/meridianwallet/chaind/internal/store/pgstore"
	"github.com/meridianwallet/chaind/internal/store/redisstore"
	"github.com/meridianwallet/chaind/internal/wallet"
	"github.com/meridianwallet/chaind/pkg/cache"
	"github.com/meridianwallet/chaind/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting chaind",
		"version", cfg.Version,
		"node_host", cfg.NodeHost,
		"node_port", cfg.NodePort,
		"network", cfg.NodeNetwork,
	)

	params, err := paramsForNetwork(cfg.NodeNetwork)
	if err != nil {
		logger.WithError(err).Error("invalid network")
		os.Exit(1)
	}

	if cfg.AccountXPub == "" {
		logger.Error("WALLET_ACCOUNT_XPUB is required")
		os.Exit(1)
	}
	keys, err := newXpubKeys(cfg.AccountXPub, params)
	if err != nil {
		logger.WithError(err).Error("failed to load account key")
		os.Exit(1)
	}

	// Create the node client
	client, err := chaindata.NewNodeClient(&chaindata.Config{
		Host:              cfg.NodeHost,
		Port:              cfg.NodePort,
		User:              cfg.NodeUser,
		Password:          cfg.NodePassword,
		Network:           cfg.NodeNetwork,
		ReconnectInterval: cfg.ReconnectEvery,
		MaxReconnects:     cfg.MaxReconnects,
		ZMQEndpoint:       cfg.ZMQEndpoint,
		Cache: &cache.Config{
			MaxEntries:    cfg.CacheMaxEntries,
			DefaultTTL:    cfg.CacheDefaultTTL,
			SweepInterval: cfg.CacheSweepInterval,
		},
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create node client")
		os.Exit(1)
	}

	// Create the collaborator stores
	stateStore, err := redisstore.New(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Error("failed to create state store")
		os.Exit(1)
	}
	addressStore, err := pgstore.New(cfg.PostgresURL)
	if err != nil {
		logger.WithError(err).Error("failed to create address store")
		os.Exit(1)
	}
	utxoStore := memstore.New()

	engine := wallet.New(&wallet.Config{
		GapLimit:         cfg.GapLimit,
		WatchPoolMax:     cfg.WatchPoolMax,
		MinConfirmations: cfg.MinConfirmations,
	}, client, keys, &wallet.PathIterator{}, addressStore, utxoStore, stateStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.WithError(err).Error("failed to connect to node")
		os.Exit(1)
	}
	if err := engine.Init(ctx); err != nil {
		logger.WithError(err).Error("failed to initialize sync engine")
		os.Exit(1)
	}

	// New blocks move the chain tip; client events are advisory.
	blocks, err := client.SubscribeToBlocks()
	if err != nil {
		logger.WithError(err).Error("failed to subscribe to blocks")
		os.Exit(1)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case block := <-blocks:
				if err := engine.UpdateBlock(block.Height); err != nil {
					logger.WithError(err).Warn("block update rejected", "height", block.Height)
					continue
				}
				logger.Info("new block", "hash", block.Hash, "height", block.Height)
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-client.Events():
				logger.WithError(ev.Err).Warn("client event", "kind", ev.Kind, "message", ev.Message)
			}
		}
	}()

	// Initial discovery scan over both chains.
	go func() {
		for _, role := range []wallet.Role{wallet.RoleExternal, wallet.RoleInternal} {
			if err := engine.SyncAccount(ctx, role); err != nil {
				logger.WithError(err).Error("initial scan failed", "role", string(role))
				return
			}
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	engine.StopSync()

	if err := client.UnsubscribeFromBlocks(); err != nil {
		logger.WithError(err).Warn("block unsubscribe failed")
	}
	if err := engine.Close(); err != nil {
		logger.WithError(err).Warn("engine shutdown failed")
	}
	if err := client.Close(); err != nil {
		logger.WithError(err).Warn("client shutdown failed")
	}

	logger.Info("chaind stopped")
}

func paramsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
