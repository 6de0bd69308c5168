package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/service"

	"github.com/spf13/cobra"
)

var (
	deviceName     string
	deviceLocation string
)

// devicesCmd manages the device registry without a running server
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage registered devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc service.Service) error {
			devices, err := svc.ListDevices(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, d := range devices {
				if err := enc.Encode(map[string]interface{}{"device_id": d.ID, "device": d}); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var devicesAddCmd = &cobra.Command{
	Use:   "add <device_id>",
	Short: "Register or update a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc service.Service) error {
			device, err := svc.RegisterDevice(ctx, &service.RegisterDeviceRequest{
				DeviceID: args[0],
				Name:     deviceName,
				Location: deviceLocation,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s (%s)\n", device.ID, device.Name)
			return nil
		})
	},
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <device_id>",
	Short: "Remove a device from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc service.Service) error {
			if err := svc.RemoveDevice(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	devicesAddCmd.Flags().StringVar(&deviceName, "name", "", "device name (required)")
	devicesAddCmd.Flags().StringVar(&deviceLocation, "location", "", "installation location")

	devicesCmd.AddCommand(devicesListCmd, devicesAddCmd, devicesRemoveCmd)
	rootCmd.AddCommand(devicesCmd)
}

// withService opens the configured store and device cache and runs fn against a service over them
func withService(fn func(ctx context.Context, svc service.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	// registry changes must evict the entries a running server cached
	redisClient := openCache(cfg.Redis)
	defer redisClient.Close()

	svc, err := service.NewService(service.ServiceConfig{
		Repository: repo,
		Cache:      redisClient,
		CacheTTL:   cfg.Redis.TTL,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, svc)
}
