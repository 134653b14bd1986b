package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/20af02/PairCopy/p2p"
	"github.com/20af02/PairCopy/transfer"
)

// NewCopyCLI builds the command tree of the interactive shell.
func NewCopyCLI(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paircopy",
		Short:         "PairCopy interactive shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Enumerate reachable peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := app.Discover(cmd.Context())
			if err != nil {
				return err
			}
			printPeers(cmd, peers)
			return nil
		},
	}

	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "Show the result of the last discovery",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printPeers(cmd, app.Peers())
		},
	}

	connectCmd := &cobra.Command{
		Use:   "connect [peer]",
		Short: "Connect to a peer by id or name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			} else {
				peer, err := selectPeer(app.Peers())
				if err != nil {
					return err
				}
				target = peer.ID
			}
			if err := app.Connect(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s\n", target)
			return nil
		},
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Drop the current connection",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			app.Disconnect()
			fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
		},
	}

	sendCmd := &cobra.Command{
		Use:   "send [filepath]",
		Short: "Queue a file for the connected peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := app.SendFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s)\n", u.Name, humanize.Bytes(uint64(u.Size())))
			return nil
		},
	}

	sayCmd := &cobra.Command{
		Use:   "say [text]",
		Short: "Send a chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Say(strings.Join(args, " "))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printStatus(cmd, app.Status())
		},
	}

	historyCmd := &cobra.Command{
		Use:       "history [send|recv]",
		Short:     "Show recent transfers",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"send", "recv"},
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			dirs := []transfer.Direction{transfer.DirSend, transfer.DirRecv}
			if len(args) == 1 {
				dir, err := parseDirection(args[0])
				if err != nil {
					return err
				}
				dirs = []transfer.Direction{dir}
			}
			for _, dir := range dirs {
				entries, err := app.History(dir, limit)
				if err != nil {
					return err
				}
				printHistory(cmd, dir, entries)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			// flags keep their value between shell commands
			return cmd.Flags().Set("limit", "10")
		},
	}
	historyCmd.Flags().IntP("limit", "n", 10, "Number of entries per direction")

	rootCmd.AddCommand(discoverCmd, peersCmd, connectCmd, disconnectCmd, sendCmd, sayCmd, statusCmd, historyCmd)
	return rootCmd
}

func selectPeer(peers []p2p.PeerDescriptor) (p2p.PeerDescriptor, error) {
	if len(peers) == 0 {
		return p2p.PeerDescriptor{}, errors.New("no peers known, run discover first")
	}
	sel := promptui.Select{
		Label: "Peer",
		Items: peers,
		Templates: &promptui.SelectTemplates{
			Label:    "{{ . }}",
			Active:   "▸ {{ .Name | cyan }} ({{ .ID }})",
			Inactive: "  {{ .Name }} ({{ .ID }})",
			Selected: "{{ .Name | green }}",
		},
	}
	i, _, err := sel.Run()
	if err != nil {
		return p2p.PeerDescriptor{}, err
	}
	return peers[i], nil
}

func printPeers(cmd *cobra.Command, peers []p2p.PeerDescriptor) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tName\tAddr")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Addr)
	}
	w.Flush()
}

func printStatus(cmd *cobra.Command, s Status) {
	out := cmd.OutOrStdout()
	state := color.New(color.FgYellow)
	if s.Connected {
		state = color.New(color.FgGreen)
	} else if s.State == transfer.StateError {
		state = color.New(color.FgRed)
	}

	fmt.Fprintf(out, "role:      %s (%s frames)\n", s.Role, s.Frame)
	fmt.Fprintf(out, "address:   %s\n", s.Addr)
	state.Fprintf(out, "state:     %s\n", s.State)
	if s.Role == transfer.RoleServer {
		fmt.Fprintf(out, "listening: %t\n", s.Listening)
	}
	if s.Peer.ID != "" {
		fmt.Fprintf(out, "peer:      %s (%s)\n", displayName(s.Peer), s.Peer.ID)
	}
	fmt.Fprintf(out, "pending:   %d\n", s.Pending)
}

func printHistory(cmd *cobra.Command, dir transfer.Direction, entries []HistoryEntry) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "[%s]\n", dir)
	fmt.Fprintln(w, "When\tName\tSize\tPeer")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", humanize.Time(e.At), e.Name, humanize.Bytes(uint64(e.Size)), e.Peer)
	}
	w.Flush()
}

// Tui runs the interactive shell until ctx is done, Ctrl+C/Ctrl+D, or "exit".
func Tui(ctx context.Context, rootCmd *cobra.Command) {
	prompt := promptui.Prompt{
		Label: "paircopy",
		Validate: func(input string) error {
			if len(strings.TrimSpace(input)) == 0 {
				return errors.New("please enter a command")
			}
			return nil
		},
		Stdin: os.Stdin,
	}

	for ctx.Err() == nil {
		input, err := prompt.Run()
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
				return
			}
			fmt.Fprintln(os.Stderr, err)
			continue
		}

		cmdArgs := strings.Fields(input)
		switch cmdArgs[0] {
		case "exit", "quit":
			return
		}
		if _, _, err := rootCmd.Find(cmdArgs); err != nil {
			fmt.Fprintln(os.Stderr, "Invalid command:", err)
			continue
		}

		rootCmd.SetArgs(cmdArgs)
		if err := rootCmd.ExecuteContext(ctx); err != nil {
			color.New(color.FgRed).Fprintln(os.Stderr, err)
		}
	}
}

func parseDirection(s string) (transfer.Direction, error) {
	switch strings.ToLower(s) {
	case "send":
		return transfer.DirSend, nil
	case "recv":
		return transfer.DirRecv, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}
