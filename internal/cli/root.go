// Package cli is the servicedeck command line: the long-running server
// plus one-shot status, discovery and control commands.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"servicedeck/internal/app"
	"servicedeck/internal/config"
	"servicedeck/internal/storage"
	logx "servicedeck/pkg/logx"
)

const DefaultConfigPath = "config/services.yaml"

// env carries the flags and environment shared by every command.
type env struct {
	cfgPath string
	v       *viper.Viper
	out     io.Writer
	errOut  io.Writer
}

// NewRootCmd builds the command tree. WEB_HOST and WEB_PORT are read
// through viper for serve.
func NewRootCmd() *cobra.Command {
	return newRoot(newEnv())
}

func newEnv() *env {
	e := &env{v: viper.New()}
	_ = e.v.BindEnv("web_host", "WEB_HOST")
	_ = e.v.BindEnv("web_port", "WEB_PORT")
	return e
}

func newRoot(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "servicedeck",
		Short: "Unified status and control for host services",
		Long: `servicedeck reports the status of configured services (systemd units,
shell commands, processes) and of ad-hoc systemd units, and starts, stops
or restarts them. Run "servicedeck serve" for the HTTP API.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			e.out, e.errOut = cmd.OutOrStdout(), cmd.ErrOrStderr()
		},
	}
	root.PersistentFlags().StringVarP(&e.cfgPath, "config", "c", DefaultConfigPath, "path to the services config (YAML or JSON)")

	root.AddCommand(
		newServeCmd(e),
		newStatusCmd(e),
		newServicesCmd(e),
		newUnitsCmd(e),
		newJournalCmd(e),
		newControlCmd(e, "start"),
		newControlCmd(e, "stop"),
		newControlCmd(e, "restart"),
		newValidateCmd(e),
	)
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

// session is a one-shot view of the configured services.
type session struct {
	cfg   *config.Config
	core  *app.Core
	store storage.Store
}

func (s *session) Close() {
	s.core.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
}

// open loads the config and builds the core. Storage is opened so control
// actions land in the audit log next to the server's.
func (e *env) open(ctx context.Context) (*session, error) {
	cfg, err := config.NewManager(e.cfgPath).Load()
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole(e.stderr(), "warn")

	s := &session{cfg: cfg}
	if cfg.StorageDriver() != "none" {
		sc := storage.Config{Driver: cfg.StorageDriver(), Path: cfg.Storage.Path}
		if s.store, err = storage.Open(sc, log); err != nil {
			log.Warn("storage unavailable, audit entries are skipped", logx.Err(err))
			s.store = nil
		}
	}
	s.core, err = app.BuildCore(ctx, cfg, app.CoreDeps{Log: log, Store: s.store, Source: "cli"})
	if err != nil {
		if s.store != nil {
			_ = s.store.Close()
		}
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (e *env) stdout() io.Writer {
	if e.out == nil {
		return os.Stdout
	}
	return e.out
}

func (e *env) stderr() io.Writer {
	if e.errOut == nil {
		return os.Stderr
	}
	return e.errOut
}
