package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof handlers on http.DefaultServeMux; the metrics server below uses its own mux and does not serve them
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shardkeep/shardkeep/pkg/catalog"
	"github.com/shardkeep/shardkeep/pkg/engine"
	"github.com/shardkeep/shardkeep/pkg/events"
	"github.com/shardkeep/shardkeep/pkg/metrics"
	"github.com/shardkeep/shardkeep/pkg/transport"
	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xlog"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardkeep",
	Short: "shardkeep - secure, content-addressed file sharing over a news network",
	Long: `shardkeep indexes local folders, segments and encrypts their
contents, posts the encrypted articles across a pool of upstream news
servers, and lets another host reassemble the files from a short access
credential. Sharing can be open, identity-gated, or password-gated; all
confidentiality is enforced client-side.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"shardkeep version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./shardkeep-data", "Catalog database directory")
	rootCmd.PersistentFlags().String("servers", "", "Path to a JSON file listing upstream news servers")
	rootCmd.PersistentFlags().String("newsgroup", "alt.binaries.shardkeep", "Default newsgroup for posted articles")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve /metrics, /health, /ready, /live on (empty disables)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(folderCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	xlog.Init(xlog.Config{
		Level:      xlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadServers reads the JSON server list. An empty path is valid: it
// yields no servers, which is only useful for local catalog-only
// commands (folder create, status) that never touch transport.
func loadServers(path string) ([]types.Server, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	var servers []types.Server
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse servers file: %w", err)
	}
	return servers, nil
}

// runtime bundles the engine and the context cancelled on SIGINT/SIGTERM
// every command constructs the same way, mirroring the original
// orchestrator's single construct-at-startup / tear-down-in-reverse-order
// lifecycle.
type runtime struct {
	ctx context.Context
	eng *engine.Engine
}

func setup(cmd *cobra.Command) (*runtime, func(), error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	serversPath, _ := cmd.Flags().GetString("servers")
	newsgroup, _ := cmd.Flags().GetString("newsgroup")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	cat, err := catalog.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, err
	}

	servers, err := loadServers(serversPath)
	if err != nil {
		cat.Close()
		return nil, nil, err
	}
	registry := transport.NewRegistry(servers, transport.DefaultConfig())
	broker := events.NewBroker(256)

	cfg := engine.DefaultConfig()
	cfg.Newsgroup = newsgroup

	eng := engine.New(cat, registry, broker, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	eng.Start(ctx)

	metrics.SetVersion(Version)
	metrics.RegisterCheck("catalog", true, func() error {
		_, err := cat.CountByState()
		return err
	})
	metrics.RegisterCheck("transport", true, func() error {
		if !registry.Ready() {
			return fmt.Errorf("no enabled upstream servers configured")
		}
		return nil
	})
	metrics.StartHealthLoop(ctx, 15*time.Second)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				xlog.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	teardown := func() {
		cancel()
		if metricsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if err := eng.Shutdown(); err != nil {
			xlog.Logger.Error().Err(err).Msg("engine shutdown")
		}
	}

	return &runtime{ctx: ctx, eng: eng}, teardown, nil
}

// --- user commands ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage registered users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new user identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		if id == "" || name == "" {
			return fmt.Errorf("--id and --name are required")
		}

		rt, teardown, err := setup(cmd)
		if err != nil {
			return err
		}
		defer teardown()

		user, err := rt.eng.CreateUser(rt.ctx, id, name, email)
		if err != nil {
			return err
		}
		fmt.Printf("created user %s (%s)\n", user.UserID, user.DisplayName)
		return nil
	},
}

func init() {
	userCreateCmd.Flags().String("id", "", "Stable user identifier")
	userCreateCmd.Flags().String("name", "", "Display name")
	userCreateCmd.Flags().String("email", "", "Email (optional)")
	userCmd.AddCommand(userCreateCmd)
}

// --- folder commands ---

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Index and manage local share folders",
}

var folderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Index a local directory as a new folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		path, _ := cmd.Flags().GetString("path")
		name, _ := cmd.Flags().GetString("name")
		mode, _ := cmd.Flags().GetString("mode")
		if owner == "" || path == "" {
			return fmt.Errorf("--owner and --path are required")
		}
		shareMode, err := parseShareMode(mode)
		if err != nil {
			return err
		}

		rt, teardown, err := setup(cmd)
		if err != nil {
			return err
		}
		defer teardown()

		folder, err := rt.eng.CreateFolder(rt.ctx, owner, path, name, shareMode)
		if err != nil {
			return err
		}
		fmt.Printf("indexed folder %s: %d files, %d bytes\n", folder.FolderUniqueID, folder.TotalFiles, folder.TotalSize)
		return nil
	},
}

func init() {
	folderCreateCmd.Flags().String("owner", "", "Owner user id")
	folderCreateCmd.Flags().String("path", "", "Local directory to index")
	folderCreateCmd.Flags().String("name", "", "Display name")
	folderCreateCmd.Flags().String("mode", "open", "Share mode: open, identity, password")
	folderCmd.AddCommand(folderCreateCmd)
}

func parseShareMode(s string) (types.ShareMode, error) {
	switch types.ShareMode(s) {
	case types.ShareModeOpen, types.ShareModeIdentity, types.ShareModePassword:
		return types.ShareMode(s), nil
	default:
		return "", fmt.Errorf("invalid share mode %q (want open, identity, or password)", s)
	}
}

// --- publish command ---

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload a folder's files and post its share index",
	RunE: func(cmd *cobra.Command, args []string) error {
		folderID, _ := cmd.Flags().GetString("folder")
		mode, _ := cmd.Flags().GetString("mode")
		usersCSV, _ := cmd.Flags().GetString("users")
		password, _ := cmd.Flags().GetString("password")
		hint, _ := cmd.Flags().GetString("hint")
		if folderID == "" {
			return fmt.Errorf("--folder is required")
		}
		shareMode, err := parseShareMode(mode)
		if err != nil {
			return err
		}
		var authorizedIDs []string
		if usersCSV != "" {
			authorizedIDs = strings.Split(usersCSV, ",")
		}

		rt, teardown, err := setup(cmd)
		if err != nil {
			return err
		}
		defer teardown()

		sub := rt.eng.EventBroker().Subscribe()
		defer rt.eng.EventBroker().Unsubscribe(sub)
		go printProgress(sub)

		share, cred, err := rt.eng.Publish(rt.ctx, engine.PublishRequest{
			FolderID:      folderID,
			ShareMode:     shareMode,
			AuthorizedIDs: authorizedIDs,
			Password:      password,
			PasswordHint:  hint,
		})
		if err != nil {
			return err
		}
		fmt.Printf("published share %s\naccess credential: %s\n", share.ShareID, cred)
		return nil
	},
}

func init() {
	publishCmd.Flags().String("folder", "", "Folder id to publish")
	publishCmd.Flags().String("mode", "open", "Share mode: open, identity, password")
	publishCmd.Flags().String("users", "", "Comma-separated authorized user ids (identity mode)")
	publishCmd.Flags().String("password", "", "Share password (password mode)")
	publishCmd.Flags().String("hint", "", "Optional password hint (password mode)")
}

// --- download command ---

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Resolve an access credential and fetch its files",
	RunE: func(cmd *cobra.Command, args []string) error {
		credential, _ := cmd.Flags().GetString("credential")
		dest, _ := cmd.Flags().GetString("dest")
		userID, _ := cmd.Flags().GetString("user-id")
		password, _ := cmd.Flags().GetString("password")
		sessionID, _ := cmd.Flags().GetString("session")
		if credential == "" || dest == "" {
			return fmt.Errorf("--credential and --dest are required")
		}

		rt, teardown, err := setup(cmd)
		if err != nil {
			return err
		}
		defer teardown()

		sub := rt.eng.EventBroker().Subscribe()
		defer rt.eng.EventBroker().Unsubscribe(sub)
		go printProgress(sub)

		session, err := rt.eng.Download(rt.ctx, engine.DownloadRequest{
			SessionID:        sessionID,
			AccessCredential: credential,
			DestinationPath:  dest,
			UserID:           userID,
			Password:         password,
		})
		if session != nil {
			fmt.Printf("session %s: %s (%d/%d files)\n", session.SessionID, session.State, session.DoneFiles, session.TotalFiles)
		}
		return err
	},
}

func init() {
	downloadCmd.Flags().String("credential", "", "Access credential")
	downloadCmd.Flags().String("dest", "", "Destination directory")
	downloadCmd.Flags().String("user-id", "", "User id to prove identity with (identity mode)")
	downloadCmd.Flags().String("password", "", "Share password (password mode)")
	downloadCmd.Flags().String("session", "", "Resume an existing session id")
}

func printProgress(sub events.Subscriber) {
	for ev := range sub {
		fmt.Printf("[%s] %s\n", ev.Type, ev.Message)
	}
}

// --- session commands ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect download sessions",
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a download session's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, teardown, err := setup(cmd)
		if err != nil {
			return err
		}
		defer teardown()

		session, err := rt.eng.SessionStatus(rt.ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("session %s: state=%s done=%d/%d files (%d/%d bytes)\n",
			session.SessionID, session.State, session.DoneFiles, session.TotalFiles, session.DoneSize, session.TotalSize)
		if session.Error != "" {
			fmt.Printf("error: %s\n", session.Error)
		}
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionStatusCmd)
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog-wide counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, teardown, err := setup(cmd)
		if err != nil {
			return err
		}
		defer teardown()

		stats, err := rt.eng.SystemStatus(rt.ctx)
		if err != nil {
			return err
		}
		fmt.Printf("folders:  %v\n", stats.FoldersByState)
		fmt.Printf("files:    %v\n", stats.FilesByState)
		fmt.Printf("segments: %v\n", stats.SegmentsByState)
		fmt.Printf("sessions: %v\n", stats.SessionsByState)
		fmt.Printf("shares:   %d\n", stats.Shares)
		return nil
	},
}

// --- serve command ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the catalog maintenance loop and metrics server until interrupted",
	Long: `serve keeps the process alive so the Catalog's background
maintenance (session reaping, stats refresh) and the metrics/health HTTP
endpoints stay up, for a long-running shardkeep node that other
collaborator-facing tools connect to. It performs no uploads or
downloads itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, teardown, err := setup(cmd)
		if err != nil {
			return err
		}
		defer teardown()

		xlog.Logger.Info().Msg("shardkeep serving; press ctrl-c to stop")
		<-rt.ctx.Done()
		xlog.Logger.Info().Msg("shutting down")
		return nil
	},
}
