package commands

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/dispatcher"
	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/models"
)

// Submit returns the command group that publishes orchestrator commands to
// the bus. Operator tooling and CI use these instead of talking to NATS
// directly.
func Submit() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish a command to the orchestrator bus",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(submitProvision(&configPath))
	cmd.AddCommand(submitTerminate(&configPath))
	cmd.AddCommand(submitReinstall(&configPath))
	cmd.AddCommand(submitSimple(&configPath, "sync-catalog", "Refresh the instance type catalog", models.CommandSyncCatalog))
	cmd.AddCommand(submitSimple(&configPath, "reconcile", "Run a full provider reconciliation", models.CommandReconcile))
	return cmd
}

func submitProvision(configPath *string) *cobra.Command {
	var zone, instanceType, modelID string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a new GPU instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return publish(*configPath, models.Command{
				Type:         models.CommandProvision,
				Zone:         zone,
				InstanceType: instanceType,
				ModelID:      modelID,
			})
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "Provider zone")
	cmd.Flags().StringVar(&instanceType, "type", "", "Instance type code")
	cmd.Flags().StringVar(&modelID, "model", "", "Model the instance will serve")
	_ = cmd.MarkFlagRequired("zone")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func submitTerminate(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Terminate an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("malformed instance id: %w", err)
			}
			return publish(*configPath, models.Command{Type: models.CommandTerminate, InstanceID: id})
		},
	}
}

func submitReinstall(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reinstall <instance-id>",
		Short: "Reinstall the worker on an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("malformed instance id: %w", err)
			}
			return publish(*configPath, models.Command{Type: models.CommandReinstall, InstanceID: id})
		},
	}
}

func submitSimple(configPath *string, use, short string, typ models.CommandType) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return publish(*configPath, models.Command{Type: typ})
		},
	}
}

func publish(configPath string, cmd models.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.NATSURL == "" {
		return fmt.Errorf("nats url is required (GPUFLEET_NATS_URL or config)")
	}
	cmd.CorrelationID = uuid.NewString()

	bus, err := dispatcher.NewNATSBus(cfg.NATSURL, logging.New(cfg.LogLevel, false))
	if err != nil {
		return fmt.Errorf("connect command bus: %w", err)
	}
	defer bus.Close()

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := bus.Publish(cfg.CommandSubject, data); err != nil {
		return err
	}
	fmt.Printf("published %s (correlation %s)\n", cmd.Type, cmd.CorrelationID)
	return nil
}
