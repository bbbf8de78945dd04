package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMaker46/connectx/mesh"
	"github.com/CodeMaker46/connectx/transport/lanp2p"
	"github.com/CodeMaker46/connectx/transport/radioudp"
)

const (
	envGroup    = "CONNECTX_GROUP"
	envUsername = "CONNECTX_USERNAME"
)

var serveDefaultListenAddrs = []string{
	"/ip4/0.0.0.0/udp/0/quic-v1",
	"/ip4/0.0.0.0/tcp/0",
}

type serveConfig struct {
	UserID      string
	Username    string
	GroupID     string
	LAN         bool
	Radio       bool
	ListenAddrs []string
	RadioPort   int
}

func newServeCmd() *cobra.Command {
	var userID string
	var username string
	var groupID string
	var enableLAN bool
	var enableRadio bool
	var listenAddrs []string
	var radioPort int
	var outputJSON bool
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Join a mesh group and relay messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, err := loggerFromCmd(cmd)
			if err != nil {
				return err
			}
			ident, _, err := ensureIdentity(stateDirFromCmd(cmd), time.Now().UTC())
			if err != nil {
				return err
			}
			cfg, err := resolveServeConfig(ident, userID, username, groupID, enableLAN, enableRadio, listenAddrs, radioPort)
			if err != nil {
				return err
			}
			logger.Debug(
				"serve config",
				"user_id", cfg.UserID,
				"group_id", cfg.GroupID,
				"lan", cfg.LAN,
				"radio", cfg.Radio,
				"listen_addrs", cfg.ListenAddrs,
				"radio_port", cfg.RadioPort,
				"dryrun", dryRun,
			)

			if dryRun {
				return printServeDryRun(cmd, cfg, ident, outputJSON)
			}

			var lan *lanp2p.Transport
			var transports []mesh.Transport
			if cfg.LAN {
				priv, err := ident.privateKey()
				if err != nil {
					return err
				}
				lan, err = lanp2p.New(lanp2p.Options{
					ListenAddrs: cfg.ListenAddrs,
					Identity:    priv,
					Logger:      logger,
				})
				if err != nil {
					return err
				}
				transports = append(transports, lan)
			}
			if cfg.Radio {
				radio, err := radioudp.New(radioudp.Options{
					StationID: cfg.UserID,
					DataPort:  cfg.RadioPort,
					Logger:    logger,
				})
				if err != nil {
					return err
				}
				transports = append(transports, radio)
			}

			engine, err := mesh.New(mesh.Options{Transports: transports, Logger: logger})
			if err != nil {
				return err
			}
			defer engine.Cleanup()

			for _, kind := range printedEventKinds {
				engine.AddListener(kind, func(ev mesh.Event) {
					printMeshEvent(cmd, ev, outputJSON)
				})
			}

			if err := engine.Initialize(cfg.UserID, cfg.Username, cfg.GroupID); err != nil {
				return err
			}
			available, err := engine.StartNetworking(runCtx)
			if err != nil {
				return err
			}

			if outputJSON {
				view := map[string]any{
					"status":     "ready",
					"user_id":    cfg.UserID,
					"username":   cfg.Username,
					"group_id":   cfg.GroupID,
					"transports": transportStates(available),
				}
				if lan != nil {
					view["peer_id"] = lan.PeerID()
					view["addresses"] = lan.AddrStrings()
				}
				_ = writeJSON(cmd.OutOrStdout(), view)
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: ready\nuser_id: %s\nusername: %s\ngroup_id: %s\n", cfg.UserID, cfg.Username, cfg.GroupID)
				for _, kind := range sortedTransportKinds(available) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "transport: %s up=%v\n", kind, available[kind])
				}
				if lan != nil {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "peer_id: %s\n", lan.PeerID())
					for _, addr := range lan.AddrStrings() {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "address: %s\n", addr)
					}
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "type a message and press enter to send... (Ctrl+C to stop)")
			}

			go readChatLines(cmd, engine, logger)

			<-runCtx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried in outgoing messages (default: stored identity)")
	cmd.Flags().StringVar(&username, "name", "", "Display name announced to the group (default: stored identity, then hostname)")
	cmd.Flags().StringVar(&groupID, "group", "", "Group id to join (falls back to CONNECTX_GROUP)")
	cmd.Flags().BoolVar(&enableLAN, "lan", true, "Enable the local-wifi transport")
	cmd.Flags().BoolVar(&enableRadio, "radio", true, "Enable the radio transport")
	cmd.Flags().StringArrayVar(&listenAddrs, "listen", nil, "Local-wifi listen multiaddr (repeatable), default ephemeral QUIC and TCP ports")
	cmd.Flags().IntVar(&radioPort, "radio-port", 0, "Radio unicast data port, 0 picks an ephemeral port")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print status/events as JSON")
	cmd.Flags().BoolVar(&dryRun, "dryrun", false, "Print resolved config and exit without opening sockets")
	return cmd
}

// resolveServeConfig merges flags, CONNECTX_* environment fallbacks, and
// the stored identity into the session config.
func resolveServeConfig(ident stationIdentity, userID, username, groupID string, lan, radio bool, listenAddrs []string, radioPort int) (serveConfig, error) {
	cfg := serveConfig{
		UserID:      strings.TrimSpace(userID),
		Username:    strings.TrimSpace(username),
		GroupID:     strings.TrimSpace(groupID),
		LAN:         lan,
		Radio:       radio,
		ListenAddrs: normalizeAddressList(listenAddrs),
		RadioPort:   radioPort,
	}
	if cfg.UserID == "" {
		cfg.UserID = ident.UserID
	}
	if cfg.Username == "" {
		cfg.Username = strings.TrimSpace(os.Getenv(envUsername))
	}
	if cfg.Username == "" {
		cfg.Username = strings.TrimSpace(ident.Username)
	}
	if cfg.Username == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Username = strings.TrimSpace(host)
		}
	}
	if cfg.GroupID == "" {
		cfg.GroupID = strings.TrimSpace(os.Getenv(envGroup))
	}
	if cfg.GroupID == "" {
		return serveConfig{}, fmt.Errorf("group id is required: pass --group or set %s", envGroup)
	}
	if !cfg.LAN && !cfg.Radio {
		return serveConfig{}, fmt.Errorf("at least one transport must stay enabled (--lan or --radio)")
	}
	if cfg.RadioPort < 0 || cfg.RadioPort > 65535 {
		return serveConfig{}, fmt.Errorf("invalid --radio-port %d", cfg.RadioPort)
	}
	if cfg.LAN && len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = append([]string(nil), serveDefaultListenAddrs...)
	}
	return cfg, nil
}

func printServeDryRun(cmd *cobra.Command, cfg serveConfig, ident stationIdentity, outputJSON bool) error {
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"status":       "dryrun",
			"dryrun":       true,
			"user_id":      cfg.UserID,
			"username":     cfg.Username,
			"group_id":     cfg.GroupID,
			"peer_id":      ident.PeerID,
			"transports":   enabledTransports(cfg),
			"listen_addrs": cfg.ListenAddrs,
			"radio_port":   cfg.RadioPort,
		})
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: dryrun\ndryrun: true\nuser_id: %s\nusername: %s\ngroup_id: %s\npeer_id: %s\n", cfg.UserID, cfg.Username, cfg.GroupID, ident.PeerID)
	for _, kind := range enabledTransports(cfg) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "transport: %s\n", kind)
	}
	for _, addr := range cfg.ListenAddrs {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "listen: %s\n", addr)
	}
	if cfg.Radio {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "radio_port: %d\n", cfg.RadioPort)
	}
	return nil
}

// enabledTransports lists the configured transport kinds in the order the
// wire names them: radio first, then local-wifi.
func enabledTransports(cfg serveConfig) []string {
	var kinds []string
	if cfg.Radio {
		kinds = append(kinds, string(mesh.TransportRadio))
	}
	if cfg.LAN {
		kinds = append(kinds, string(mesh.TransportLocalWifi))
	}
	return kinds
}

// readChatLines floods each stdin line as a chat message. It returns when
// stdin closes; the serve loop itself only stops on a signal.
func readChatLines(cmd *cobra.Command, engine *mesh.Engine, logger *slog.Logger) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 4096), mesh.DefaultMaxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := engine.SendMessage(line); err != nil {
			logger.Warn("send failed", "err", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("stdin closed", "err", err)
	}
}
