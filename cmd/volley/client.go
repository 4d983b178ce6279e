package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/volley-project/volley/internal/cli"
	"github.com/volley-project/volley/internal/config"
	"github.com/volley-project/volley/internal/demo"
	"github.com/volley-project/volley/internal/level"
	"github.com/volley-project/volley/internal/netgame"
	"github.com/volley-project/volley/internal/network"
	"github.com/volley-project/volley/internal/protocol"
	"github.com/volley-project/volley/internal/vars"
)

// circlePeriod is the lap time of the headless client's steering.
const circlePeriod = 4.0

func clientCmd(opts *globalOptions) *cobra.Command {
	var interactive bool
	var server string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a headless client against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := opts.setup("volley-client")
			if err != nil {
				return err
			}
			defer closeLog()

			if server != "" {
				cfg.Client.ServerAddress = server
			}
			return runClient(cmd.Context(), cfg, interactive)
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Read console commands from stdin")
	cmd.Flags().StringVarP(&server, "server", "s", "", "Server address (host:port) instead of the configured one")
	return cmd
}

func runClient(ctx context.Context, cfg *config.Config, interactive bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, err := resolveServer(cfg.Client.ServerAddress)
	if err != nil {
		return err
	}

	proto := protocol.New(cfg.Network.ProtocolName, cfg.Network.ProtocolVersion, cfg.Network.CompatibleVersions...)
	pc, err := network.Listen(ctx, ":0")
	if err != nil {
		return err
	}
	msgs := netgame.NewMessages()
	mgr := network.NewManager(proto, msgs.Types, pc, network.Options{
		MaxPacketSize: cfg.Network.MaxPacketSize,
	})
	defer mgr.Close()

	svars := vars.NewSet()
	levels := level.NewStore(cfg.Client.LevelsDirectory)
	var downloader *level.Downloader
	if cfg.Client.LevelURL != "" {
		downloader = level.NewDownloader(cfg.Client.LevelURL, levels)
	}

	cl := netgame.NewClient(netgame.ClientConfig{
		Timing: netgame.Timing{
			FrameTime:   cfg.Server.FrameTime(),
			SendTime:    cfg.Server.SendTime(),
			SendTimeBad: cfg.Server.SendTimeBad(),
		},
		Interpolation: cfg.Client.Interpolation,
		Input:         demo.Circle(circlePeriod),
	}, mgr, msgs, demo.NewRegistry(), demo.NewGame(svars), levels, downloader, svars)

	log.Info().
		Str("version", version).
		Str("server", remote.String()).
		Str("local", mgr.LocalAddr().String()).
		Msg("starting volley client")
	cl.Connect(remote)

	if interactive {
		console := cli.NewClientConsole(cl, os.Stdout, stop)
		go console.Start(ctx, os.Stdin)
	}

	if err := cl.Run(ctx); err != nil {
		return fmt.Errorf("client loop: %w", err)
	}
	log.Info().Msg("volley client stopped")
	return nil
}

// resolveServer accepts a literal ip:port or a host name with a port.
func resolveServer(address string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(address); err == nil {
		return ap, nil
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve server %s: %w", address, err)
	}
	return addr.AddrPort(), nil
}
