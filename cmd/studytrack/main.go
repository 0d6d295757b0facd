package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/config"
	"github.com/MarcoPoloResearchLab/studytrack/internal/database"
	"github.com/MarcoPoloResearchLab/studytrack/internal/engine"
	"github.com/MarcoPoloResearchLab/studytrack/internal/logging"
	"github.com/MarcoPoloResearchLab/studytrack/internal/remote"
	"github.com/MarcoPoloResearchLab/studytrack/internal/replica"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const closeTimeout = 30 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "studytrack",
		Short:         "StudyTrack offline-first sync client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSyncCommand(), newStatusCommand(), newResetCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("base-url", defaults.GetString("api.base_url"), "Sync server base URL")
	cmd.PersistentFlags().String("token", "", "Session token (overrides env)")
	cmd.PersistentFlags().String("user", "", "User id owning the local replica")
	cmd.PersistentFlags().String("replica", defaults.GetString("replica.path"), "Local replica SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Rotated log file path (stderr when empty)")

	bindFlag(cmd, "api.base_url", "base-url")
	bindFlag(cmd, "api.token", "token")
	bindFlag(cmd, "user.id", "user")
	bindFlag(cmd, "replica.path", "replica")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// clientRuntime bundles a session with the resources it borrows.
type clientRuntime struct {
	session *engine.Session
	replica *replica.Store
	client  *remote.HTTPClient
	logger  *zap.Logger
	closers []func() error
}

func openRuntime() (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFile)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenReplica(clientConfig.ReplicaPath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	replicaStore, err := replica.NewStore(replica.Config{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	client, err := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL: clientConfig.BaseURL,
		Token:   clientConfig.Token,
		Logger:  logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	session, err := engine.NewSession(engine.SessionConfig{
		UserID:  clientConfig.UserID,
		Clients: engine.HTTPClients(client),
		Replica: replicaStore,
		Windows: engine.Windows{Default: clientConfig.DefaultWindow, Notes: clientConfig.NotesWindow},
		Logger:  logger,
	})
	if err != nil {
		client.Close()
		_ = sqlDB.Close()
		return nil, err
	}

	return &clientRuntime{
		session: session,
		replica: replicaStore,
		client:  client,
		logger:  logger,
		closers: []func() error{sqlDB.Close, logger.Sync},
	}, nil
}

func (r *clientRuntime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := r.session.Close(ctx)
	r.client.Close()
	for _, closer := range r.closers {
		_ = closer()
	}
	return err
}

func newSyncCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local replica and follow the change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close() //nolint:errcheck

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				if err := rt.session.Reconcile(signalCtx); err != nil {
					return err
				}
				return rt.session.FlushAll(signalCtx)
			}
			if err := rt.session.Start(signalCtx); err != nil {
				return err
			}
			rt.logger.Info("following change feed", zap.String("user_id", rt.session.UserID()))
			<-signalCtx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Reconcile once and exit instead of following the feed")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local replica contents per collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close() //nolint:errcheck

			var persisted []string
			if userID := rt.session.UserID(); userID != "" {
				if persisted, err = rt.replica.Collections(cmd.Context(), userID); err != nil {
					return err
				}
			}
			printStatus(cmd.OutOrStdout(), rt.session, persisted)
			return nil
		},
	}
}

func printStatus(out io.Writer, session *engine.Session, persisted []string) {
	user := session.UserID()
	if user == "" {
		user = "(anonymous)"
	}
	fmt.Fprintf(out, "user: %s\n", user)
	counts := map[string]int{
		study.TableProfiles:      len(session.Profiles.Snapshot()),
		study.TableDailyHistory:  len(session.DailyHistory.Snapshot()),
		study.TableTopicProgress: len(session.TopicProgress.Snapshot()),
		study.TableStudyTime:     len(session.StudyTime.Snapshot()),
		study.TableNotes:         len(session.Notes.Snapshot()),
		study.TableMaterials:     len(session.Materials.Snapshot()),
		study.TableReminders:     len(session.Reminders.Snapshot()),
	}
	stored := make(map[string]bool, len(persisted))
	for _, name := range persisted {
		stored[name] = true
	}
	for _, name := range session.Collections() {
		state := "idle"
		if session.IsSaving(name) {
			state = "saving"
		}
		kind, err := session.Kind(name)
		if err != nil {
			kind = "unknown"
		}
		snapshot := "not persisted"
		if stored[name] {
			snapshot = "persisted"
		}
		fmt.Fprintf(out, "%-15s %-21s %5d rows  %-13s %s\n", name, kind, counts[name], snapshot, state)
	}
}

func newResetCommand() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every synced row of the user, locally and remotely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("reset deletes all study data; rerun with --yes to confirm")
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close() //nolint:errcheck
			if err := rt.session.ResetAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all study data deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the destructive reset")
	return cmd
}
