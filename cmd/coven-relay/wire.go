// ABOUTME: Assembles transport, pool, dispatcher, event loop and relay client from config
// ABOUTME: Shared by the serve and chat subcommands

package main

import (
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/eventloop"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/tools"
	"github.com/2389/coven-relay/internal/transport"
)

// buildTransport returns the configured agent transport and a function that
// releases it.
func buildTransport(cfg *config.Config, logger *slog.Logger) (agent.Transport, func(), error) {
	switch cfg.Agent.Transport {
	case config.TransportProcess:
		return transport.NewProcess(transport.ProcessConfig{
			Command:        cfg.Agent.Command,
			Args:           cfg.Agent.Args,
			WorkingDir:     cfg.Agent.WorkingDir,
			PermissionMode: cfg.Agent.PermissionMode,
			Logger:         logger,
		}), func() {}, nil

	case config.TransportGRPC:
		grpcCfg := transport.GRPCConfig{
			Address:        cfg.Agent.Address,
			ConnectTimeout: cfg.Agent.ConnectTimeout,
			Logger:         logger,
		}
		if cfg.Agent.TokenSecret != "" {
			issuer, err := auth.NewIssuer([]byte(cfg.Agent.TokenSecret), 0)
			if err != nil {
				return nil, nil, fmt.Errorf("creating token issuer: %w", err)
			}
			grpcCfg.Tokens = issuer
		}
		g, err := transport.NewGRPC(grpcCfg)
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				logger.Debug("closing grpc client", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown agent transport %q", cfg.Agent.Transport)
	}
}

// buildRelay wires a relay client whose tools deliver files through sink.
func buildRelay(cfg *config.Config, sink session.Sink, logger *slog.Logger) (*relay.Client, func(), error) {
	tr, closeTransport, err := buildTransport(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	sessions := session.NewStore()
	registry := tools.NewRegistry(logger)
	if err := registry.Register(tools.NewSendFile(sessions, logger)); err != nil {
		closeTransport()
		return nil, nil, err
	}

	pool := agent.NewPool(tr, logger)
	dispatcher := agent.NewDispatcher(pool, registry, logger)
	loop := eventloop.New(logger, eventloop.Options{
		QueueSize:     cfg.Agents.QueueSize,
		MaxConcurrent: cfg.Agents.MaxConcurrentTurns,
	})

	client := relay.New(relay.Params{
		Loop:        loop,
		Dispatcher:  dispatcher,
		Sessions:    sessions,
		Sink:        sink,
		TurnTimeout: cfg.Agents.TurnTimeout,
		Logger:      logger,
	})

	logger.Info("relay ready",
		"transport", cfg.Agent.Transport,
		"tools", registry.Names(),
		"max_concurrent_turns", cfg.Agents.MaxConcurrentTurns,
		"turn_timeout", cfg.Agents.TurnTimeout,
	)

	cleanup := func() {
		client.Close()
		closeTransport()
	}
	return client, cleanup, nil
}
