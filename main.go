package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/20af02/PairCopy/transfer"
)

type rootFlags struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	rootCmd := &cobra.Command{
		Use:           "paircopy",
		Short:         "Copy files and messages between two paired devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "Path to the YAML configuration file")
	pf.StringVar(&flags.envFile, "env", "", "Path to a .env file loaded before the configuration")

	rootCmd.AddCommand(
		nodeCmd(&flags, "client", "Discover a server and exchange files with it", transfer.RoleClient, transfer.FrameFile),
		nodeCmd(&flags, "server", "Listen for a client and exchange files with it", transfer.RoleServer, transfer.FrameFile),
		chatCmd(&flags),
		historyCmd(&flags),
	)
	return rootCmd
}

type nodeFlags struct {
	headless    bool
	listenAddr  string
	autoConnect string
	transport   string
}

func (nf *nodeFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&nf.headless, "headless", false, "Run without the interactive shell")
	fs.StringVarP(&nf.listenAddr, "listen", "l", "", "Listen address (or node name for the mem transport)")
	fs.StringVarP(&nf.autoConnect, "auto-connect", "a", "", "Peer id or name to keep connected to")
	fs.StringVarP(&nf.transport, "transport", "t", "", "Transport: tcp, quic or mem")
}

// apply copies explicitly set flags over cfg.
func (nf *nodeFlags) apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("listen") {
		cfg.ListenAddr = nf.listenAddr
	}
	if fs.Changed("auto-connect") {
		cfg.AutoConnect = nf.autoConnect
	}
	if fs.Changed("transport") {
		cfg.Transport = nf.transport
	}
}

func nodeCmd(flags *rootFlags, use, short string, role transfer.Role, frame transfer.FrameKind) *cobra.Command {
	var nf nodeFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, flags, &nf, role, frame)
		},
	}
	nf.register(cmd.Flags())
	return cmd
}

func chatCmd(flags *rootFlags) *cobra.Command {
	var (
		nf     nodeFlags
		server bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Exchange text messages instead of files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role := transfer.RoleClient
			if server {
				role = transfer.RoleServer
			}
			return runNode(cmd, flags, &nf, role, transfer.FrameText)
		},
	}
	nf.register(cmd.Flags())
	cmd.Flags().BoolVarP(&server, "server", "s", false, "Wait for a peer instead of dialing one")
	return cmd
}

func historyCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:       "history [send|recv]",
		Short:     "Print the transfer log without starting a node",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"send", "recv"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(flags.envFile, flags.configFile)
			if err != nil {
				return err
			}
			db, err := NewHistoryDB(cfg.HistoryDB, cfg.HistoryLimit)
			if err != nil {
				return err
			}
			defer db.Close()

			dirs := []transfer.Direction{transfer.DirSend, transfer.DirRecv}
			if len(args) == 1 {
				dir, err := parseDirection(args[0])
				if err != nil {
					return err
				}
				dirs = []transfer.Direction{dir}
			}
			for _, dir := range dirs {
				entries, err := db.List(dir, limit)
				if err != nil {
					return err
				}
				printHistory(cmd, dir, entries)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of entries per direction (0 for all)")
	return cmd
}

func runNode(cmd *cobra.Command, flags *rootFlags, nf *nodeFlags, role transfer.Role, frame transfer.FrameKind) error {
	cfg, err := LoadConfig(flags.envFile, flags.configFile)
	if err != nil {
		return err
	}
	cfg.Mode = role.String()
	cfg.Frame = frame.String()
	nf.apply(cmd.Flags(), cfg)
	if err := cfg.validate(); err != nil {
		return err
	}

	logger, err := setupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	app, err := NewApp(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("node starting",
		zap.Stringer("role", role),
		zap.Stringer("frame", frame),
		zap.String("transport", cfg.Transport),
		zap.String("addr", cfg.ListenAddr),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Run(ctx)
	}()

	if nf.headless {
		<-ctx.Done()
	} else {
		Tui(ctx, NewCopyCLI(app))
		stop()
	}
	<-done
	logger.Info("node stopped")
	return nil
}
