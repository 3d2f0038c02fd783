package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/umduru/umdu-haos-updater/internal/daemon"
	"github.com/umduru/umdu-haos-updater/internal/hassio"
	"github.com/umduru/umdu-haos-updater/internal/installer"
	"github.com/umduru/umdu-haos-updater/internal/notify"
	"github.com/umduru/umdu-haos-updater/internal/orchestrator"
	"github.com/umduru/umdu-haos-updater/internal/updater"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the update daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token := os.Getenv(hassio.TokenEnv)
		if token == "" {
			log.Errorf("%s is not set, cannot talk to the supervisor", hassio.TokenEnv)
			return errors.New("missing supervisor token")
		}

		api := hassio.NewClient(token)
		notifier := notify.NewService(cfg.Notifications, api)
		store := updater.NewStore(cfg.ShareDir, cfg.Channel, api)
		coord := orchestrator.New(cfg, store, installer.New(), notifier, api)
		store.WithProgress(coord)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return daemon.New(cfg, coord, api).Run(ctx)
	},
}
