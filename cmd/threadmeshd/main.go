// threadmeshd runs the ThreadMesh security key-management daemon: the key
// manager with its rotation schedule, durable settings storage, the volatile
// Redis mirror, and the security-event API.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threadmesh/threadmesh/pkg/api"
	"github.com/threadmesh/threadmesh/pkg/config"
	"github.com/threadmesh/threadmesh/pkg/logging"
	"github.com/threadmesh/threadmesh/pkg/mesh"
	"github.com/threadmesh/threadmesh/pkg/notify"
	"github.com/threadmesh/threadmesh/pkg/persistence"
	"github.com/threadmesh/threadmesh/pkg/security"
)

const version = "0.1.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:     "threadmeshd",
		Short:   "ThreadMesh security key-management daemon",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the key-management daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log := logging.NewLogger("threadmeshd", logging.ParseLevel(cfg.Logging.Level), os.Stdout)
	log.Info("starting", logging.Fields{"version": version})

	notifier := notify.NewNotifier()
	topology := mesh.NewTopology()
	km := security.NewKeyManager(notifier, topology, security.SystemClock())

	if err := km.SetKeyRotation(cfg.Security.KeyRotationHours); err != nil {
		return fmt.Errorf("invalid key rotation time: %w", err)
	}
	km.SetKeySwitchGuardTime(cfg.Security.KeySwitchGuardHours)
	km.SetSecurityPolicyFlags(cfg.Security.SecurityPolicyFlags)

	if cfg.Database.Enabled {
		store, err := persistence.NewSettingsStore(persistence.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, cfg.Security.FrameCounterWindow, log.WithComponent("persistence"))
		if err != nil {
			return err
		}
		defer store.Close()

		store.Bind(km)
		km.BindFrameCounterStore(store)

		restored, err := store.Restore()
		if err != nil {
			return err
		}
		if !restored {
			log.Info("no persisted security settings, starting fresh")
		}
	}

	if cfg.Redis.Enabled {
		mirror, err := persistence.NewRedisMirror(persistence.RedisMirrorConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, km, log.WithComponent("redis-mirror"))
		if err != nil {
			return err
		}
		defer mirror.Close()
		mirror.Subscribe(notifier)
	}

	var eventServer *api.EventServer
	if cfg.API.Enabled {
		eventServer = api.NewEventServer(km, log.WithComponent("api"))
		eventServer.Subscribe(notifier)
		go func() {
			if err := eventServer.ListenAndServe(cfg.API.Host, cfg.API.Port); err != nil {
				log.Error("event API failed", logging.Fields{"error": err.Error()})
			}
		}()
		defer eventServer.Close()
	}

	if km.IsDefaultMasterKey() {
		log.Warn("node is running with the well-known default master key; replace it before production use")
	}

	if cfg.Security.AutoRotationDisabled {
		log.Info("automatic key rotation disabled by configuration")
	} else {
		km.Start()
		defer km.Stop()
		log.Info("automatic key rotation started", logging.Fields{
			"rotation_hours": cfg.Security.KeyRotationHours,
			"guard_hours":    cfg.Security.KeySwitchGuardHours,
		})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	return nil
}
