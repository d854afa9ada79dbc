package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/store"
)

// Migrate returns the command that applies database migrations and exits.
// serve runs migrations on startup as well; this exists for deploy
// pipelines that migrate before rolling the fleet.
func Migrate() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("database url is required (GPUFLEET_DATABASE_URL or config)")
			}
			pg, err := store.NewPostgres(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}
