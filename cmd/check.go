package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/umduru/umdu-haos-updater/internal/hassio"
	"github.com/umduru/umdu-haos-updater/internal/updater"
)

var checkDownload bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check for an available OS update once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token := os.Getenv(hassio.TokenEnv)
		if token == "" {
			return errors.New("missing supervisor token")
		}
		api := hassio.NewClient(token)
		store := updater.NewStore(cfg.ShareDir, cfg.Channel, api)

		installed, err := api.OSVersion(cmd.Context())
		if err != nil {
			return fmt.Errorf("installed version lookup: %w", err)
		}
		info, err := store.FetchAvailable(cmd.Context())
		if err != nil {
			return fmt.Errorf("available version lookup: %w", err)
		}

		cmd.Printf("installed: %s\navailable: %s\n", installed, info.Version)
		if !updater.IsNewer(info.Version, installed) {
			cmd.Println("system is up to date")
			return nil
		}
		if !checkDownload {
			cmd.Println("update available; re-run with --download to fetch the bundle")
			return nil
		}

		path, err := store.Download(cmd.Context(), info)
		if err != nil {
			return err
		}
		cmd.Printf("bundle ready: %s\n", path)
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkDownload, "download", false, "also download the update bundle")
}
