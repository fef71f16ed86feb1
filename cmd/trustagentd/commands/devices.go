package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/backkem/trustagent/pkg/store"
	"github.com/backkem/trustagent/pkg/trust"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage trusted devices",
	}
	cmd.AddCommand(devicesListCmd(), devicesRemoveCmd())
	return cmd
}

// deviceView is the printed form of a trusted device.
type deviceView struct {
	Handle     uint64 `json:"handle" yaml:"handle"`
	UserID     int    `json:"user_id" yaml:"user_id"`
	DeviceID   string `json:"device_id" yaml:"device_id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Address    string `json:"address,omitempty" yaml:"address,omitempty"`
	EnrolledAt string `json:"enrolled_at" yaml:"enrolled_at"`
}

func devicesListCmd() *cobra.Command {
	var (
		user   int
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the devices enrolled for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, db, err := openKeyStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			devices, err := ks.TrustedDevices(user)
			if err != nil {
				return err
			}
			views := make([]deviceView, 0, len(devices))
			for _, d := range devices {
				views = append(views, toView(d))
			}

			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			case "yaml":
				enc := yaml.NewEncoder(os.Stdout)
				defer enc.Close()
				return enc.Encode(views)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().IntVar(&user, "user", 0, "user id")
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	return cmd
}

func devicesRemoveCmd() *cobra.Command {
	var user int
	cmd := &cobra.Command{
		Use:   "remove HANDLE",
		Short: "Forget a trusted device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid handle %q: %w", args[0], err)
			}

			ks, db, err := openKeyStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			deviceID, err := ks.RemoveEnrollment(handle, user)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: handle %d", trust.ErrNotEnrolled, handle)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Removed %s (handle %d)\n", trust.FormatDeviceID(deviceID), handle)
			return nil
		},
	}
	cmd.Flags().IntVar(&user, "user", 0, "user id")
	return cmd
}

func toView(d store.TrustedDeviceInfo) deviceView {
	return deviceView{
		Handle:     d.Handle,
		UserID:     d.UserID,
		DeviceID:   trust.FormatDeviceID(d.DeviceID),
		Name:       d.Name,
		Address:    d.Address,
		EnrolledAt: d.EnrolledAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}
