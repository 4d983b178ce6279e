package cli

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/volley-project/volley/internal/netgame"
	"github.com/volley-project/volley/internal/network"
	"github.com/volley-project/volley/internal/vars"
)

// NewServerConsole builds the console of a running server. quit is called
// by the quit command.
func NewServerConsole(srv *netgame.Server, out io.Writer, quit func()) *Console {
	c := NewConsole("volley> ", out)
	run := func(ctx context.Context, fn func()) error {
		return onLoop(ctx, srv.Do, func(*netgame.Server) { fn() })
	}

	c.AddScope(setScope("svars", run, srv.Svars(), func(name, value string) error {
		return srv.SetSvar(name, value, netip.AddrPort{})
	}))

	c.Register(varsCommand("svars", "List server variables", run, srv.Svars(), out))
	c.Register(netStatsCommand(srv.Network().Board(), out))
	c.Register(Command{
		Name: "status",
		Help: "Show the world summary",
		Run: func(ctx context.Context, args []string) error {
			printServerStatus(out, srv.Status(), srv.Network().Board().Len())
			return nil
		},
	})
	c.Register(Command{
		Name:  "load",
		Usage: "<level>",
		Help:  "Load a level and respawn every player",
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: load <level>")
			}
			var err error
			if runErr := run(ctx, func() { err = srv.LoadLevel(args[0], netip.AddrPort{}) }); runErr != nil {
				return runErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Loaded level %s\n", args[0])
			return nil
		},
	})
	c.Register(Command{
		Name:  "kick",
		Usage: "<peer>",
		Help:  "Disconnect a peer (ip:port)",
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: kick <peer>")
			}
			peer, err := netip.ParseAddrPort(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer %q: %w", args[0], err)
			}
			if runErr := run(ctx, func() { err = srv.Kick(peer) }); runErr != nil {
				return runErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Kicked %s\n", peer)
			return nil
		},
	})
	c.Register(quitCommand(out, quit))
	return c
}

// NewClientConsole builds the console of a running client. Bare svar
// assignments are sent to the server as requests.
func NewClientConsole(cl *netgame.Client, out io.Writer, quit func()) *Console {
	c := NewConsole("volley> ", out)
	run := func(ctx context.Context, fn func()) error {
		return onLoop(ctx, cl.Do, func(*netgame.Client) { fn() })
	}

	c.AddScope(setScope("cvars", run, cl.Cvars(), cl.Cvars().Set))
	c.AddScope(setScope("svars", run, cl.Svars(), func(name, value string) error {
		if err := cl.RequestSvar(name, value); err != nil {
			return err
		}
		fmt.Fprintf(out, "Requested %s = %s\n", name, value)
		return nil
	}))

	c.Register(varsCommand("svars", "List server variables as last received", run, cl.Svars(), out))
	c.Register(varsCommand("cvars", "List client variables", run, cl.Cvars(), out))
	c.Register(netStatsCommand(cl.Network().Board(), out))
	c.Register(Command{
		Name: "status",
		Help: "Show the client summary",
		Run: func(ctx context.Context, args []string) error {
			printClientStatus(out, cl.Status())
			return nil
		},
	})
	c.Register(Command{
		Name:  "load",
		Usage: "<level>",
		Help:  "Ask the server to load a level",
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: load <level>")
			}
			var err error
			if runErr := run(ctx, func() { err = cl.RequestLevel(args[0]) }); runErr != nil {
				return runErr
			}
			return err
		},
	})
	c.Register(quitCommand(out, quit))
	return c
}

func quitCommand(out io.Writer, quit func()) Command {
	return Command{
		Name: "quit",
		Help: "Shut down",
		Run: func(ctx context.Context, args []string) error {
			fmt.Fprintln(out, "Shutting down...")
			if quit != nil {
				quit()
			}
			return nil
		},
	}
}

func varsCommand(name, help string, run func(context.Context, func()) error, set *vars.Set, out io.Writer) Command {
	return Command{
		Name: name,
		Help: help,
		Run: func(ctx context.Context, args []string) error {
			var rows [][]string
			err := run(ctx, func() {
				for _, n := range set.Names() {
					value, _ := set.Get(n)
					v, _ := set.Var(n)
					rows = append(rows, []string{n, value, v.ValidValues()})
				}
			})
			if err != nil {
				return err
			}

			tw := tablewriter.NewWriter(out)
			tw.SetHeader([]string{"Name", "Value", "Valid"})
			tw.SetBorder(true)
			tw.SetAutoWrapText(false)
			tw.AppendBulk(rows)
			tw.Render()
			return nil
		},
	}
}

func netStatsCommand(board *network.StatsBoard, out io.Writer) Command {
	return Command{
		Name:  "net_stats",
		Usage: "[peer]",
		Help:  "Show connection statistics",
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				st, ok := board.Get(args[0])
				if !ok {
					return fmt.Errorf("no connection to %s", args[0])
				}
				printConnectionDetail(out, st)
				return nil
			}
			printConnections(out, board.Snapshot())
			return nil
		},
	}
}

func printConnections(out io.Writer, stats []network.Stats) {
	if len(stats) == 0 {
		fmt.Fprintln(out, "No connections")
		return
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Peer < stats[j].Peer })

	tw := tablewriter.NewWriter(out)
	tw.SetHeader([]string{"Peer", "State", "RTT", "Net RTT", "Loss", "Sent", "Recv", "Out B/s", "In B/s", "Flow"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, st := range stats {
		tw.Append([]string{
			st.Peer,
			st.State,
			fmt.Sprintf("%.1f", st.RTT),
			fmt.Sprintf("%.1f", st.NetRTT),
			fmt.Sprintf("%.1f%%", st.LossPercent),
			fmt.Sprintf("%d", st.PacketsSent),
			fmt.Sprintf("%d", st.PacketsReceived),
			fmt.Sprintf("%.0f", st.AvgSentBytes),
			fmt.Sprintf("%.0f", st.AvgRecvBytes),
			st.FlowMode,
		})
	}
	tw.Render()
}

func printConnectionDetail(out io.Writer, st network.Stats) {
	fmt.Fprintf(out, "\n  Peer:            %s\n", st.Peer)
	fmt.Fprintf(out, "  State:           %s\n", st.State)
	fmt.Fprintf(out, "  Since last ack:  %.2f s\n", st.SinceLastAck)
	fmt.Fprintf(out, "  RTT:             %.1f ms (last %.1f)\n", st.RTT, st.LastRTT)
	fmt.Fprintf(out, "  Net RTT:         %.1f ms (last %.1f)\n", st.NetRTT, st.NetLastRTT)
	fmt.Fprintf(out, "  Sent:            %d packets, last %d B, %.0f B/s\n", st.PacketsSent, st.LastSentSize, st.AvgSentBytes)
	fmt.Fprintf(out, "  Received:        %d packets, last %d B, %.0f B/s\n", st.PacketsReceived, st.LastRecvSize, st.AvgRecvBytes)
	fmt.Fprintf(out, "  Acked / lost:    %d / %d (%.1f%%)\n", st.PacketsAcked, st.PacketsLost, st.LossPercent)
	fmt.Fprintf(out, "  Flow control:    %s, hysteresis %.1f s\n", st.FlowMode, st.Hysteresis)
	fmt.Fprintln(out)
}

func printServerStatus(out io.Writer, s netgame.Status, peers int) {
	fmt.Fprintf(out, "\n  Level:           %s\n", valueOr(s.Level, "-"))
	fmt.Fprintf(out, "  Game time:       %.2f s\n", s.GameTime)
	fmt.Fprintf(out, "  Peers:           %d\n", peers)
	fmt.Fprintf(out, "  Players:         %d\n", s.Players)
	fmt.Fprintf(out, "  Entities:        %d static, %d dynamic\n", s.StaticEntities, s.DynamicEntities)
	fmt.Fprintf(out, "  Updates/s:       %.1f (net %.1f)\n", s.UpdatesPerSecond, s.NetPerSecond)
	fmt.Fprintln(out)
}

func printClientStatus(out io.Writer, s netgame.ClientStatus) {
	state := "disconnected"
	if s.Connected {
		state = "connected"
	}
	fmt.Fprintf(out, "\n  Server:          %s (%s)\n", s.Server, state)
	fmt.Fprintf(out, "  Level:           %s\n", valueOr(s.Level, "-"))
	fmt.Fprintf(out, "  Player:          %d\n", s.PlayerID)
	fmt.Fprintf(out, "  Local time:      %.2f s\n", s.LocalTime)
	fmt.Fprintf(out, "  Snapshots:       %d buffered\n", s.Snapshots)
	fmt.Fprintf(out, "  Entities:        %d\n", s.Entities)
	fmt.Fprintf(out, "  Pending inputs:  %d\n", s.Pending)
	if s.Position != "" {
		fmt.Fprintf(out, "  Position:        %s\n", s.Position)
	}
	fmt.Fprintln(out)
}

func valueOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
