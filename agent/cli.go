package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hwgprojects/schlopping/internal/config"
	"github.com/hwgprojects/schlopping/internal/logging"
	"github.com/hwgprojects/schlopping/internal/profile"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

func (o *rootOptions) logger() zerolog.Logger {
	log := logging.New("schlopping-agent")
	if o.Verbose {
		log = log.Level(zerolog.DebugLevel)
	}
	return log
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "schlopping-agent",
		Short:        "Shared shopping lists, replicated peer to peer",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newProfileCommand(opts))
	return cmd
}

type runOptions struct {
	*rootOptions
	Room       string
	ListenAddr string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a room and serve the local UI",
		Long: `Join a room and keep its list in sync with every other peer in it.

The agent serves the browser UI and its websocket on the listen address,
and accepts channels from other peers on /peer.

Example:
  schlopping-agent run --room camping-weekend --listen :8080
  schlopping-agent run -c ./schlopping.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts)
		},
	}
	cmd.Flags().StringVar(&opts.Room, "room", "", "room to join (overrides config)")
	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "listen address (overrides config)")
	return cmd
}

func runAgent(opts *runOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if opts.Room != "" {
		cfg.Room = opts.Room
	}
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	log := opts.logger()

	profiles, err := profile.Open(cfg.ProfilePath, log)
	if err != nil {
		return err
	}
	defer profiles.Close()

	a, err := newAgent(cfg, profiles, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.start(ctx)
	defer a.close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: a.router()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("agent listening")

	if err := a.manager.Join(ctx, cfg.Room); err != nil {
		httpServer.Close()
		wg.Wait()
		return err
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.Info().Stringer("sig", sig).Msg("signal caught")

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := a.manager.Leave(leaveCtx); err != nil {
		log.Warn().Err(err).Msg("leave")
	}
	cancel()
	_ = httpServer.Close()
	wg.Wait()
	return nil
}

func newProfileCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or change the local profile",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the local profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfiles(root, func(s *profile.Store) error {
				p, err := s.Load()
				if err != nil {
					return err
				}
				return printProfile(cmd, p)
			})
		},
	})

	var name, color string
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the display name or color",
		Long: fmt.Sprintf(`Change the display name or color of the local profile.

Colors: %s`, colorIDs()),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nameSet, colorSet := cmd.Flags().Changed("name"), cmd.Flags().Changed("color")
			if !nameSet && !colorSet {
				return fmt.Errorf("nothing to change: pass --name or --color")
			}
			return withProfiles(root, func(s *profile.Store) error {
				p, err := s.Load()
				if err != nil {
					return err
				}
				if nameSet {
					p = p.Rename(name)
				}
				if colorSet {
					if p, err = p.Recolor(color); err != nil {
						return err
					}
				}
				if err := s.Save(p); err != nil {
					return err
				}
				return printProfile(cmd, p)
			})
		},
	}
	set.Flags().StringVar(&name, "name", "", "display name (blank becomes Guest)")
	set.Flags().StringVar(&color, "color", "", "palette color id")
	cmd.AddCommand(set)
	return cmd
}

func withProfiles(root *rootOptions, fn func(*profile.Store) error) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	s, err := profile.Open(cfg.ProfilePath, zerolog.Nop())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printProfile(cmd *cobra.Command, p profile.Profile) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		profile.Profile
		Color string `json:"color"`
	}{p, profile.ColorByID(p.ColorID).Label})
}

func colorIDs() string {
	ids := make([]string, len(profile.Palette))
	for i, c := range profile.Palette {
		ids[i] = c.ID
	}
	return strings.Join(ids, ", ")
}
