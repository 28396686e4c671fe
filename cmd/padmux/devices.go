package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/padmux/internal/store"
)

type devicesOptions struct {
	jsonOutput bool
	sharedID   string
}

func newDevicesCmd(flags *rootFlags) *cobra.Command {
	opts := &devicesOptions{}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List and edit remembered controller settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(st *store.Store) error {
				return runDevicesList(cmd, st, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	cmd.AddCommand(&cobra.Command{
		Use:   "profile <device-id> <profile>",
		Short: "Set the remap profile a device loads on connect",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(st *store.Store) error {
				if err := st.Devices().SetProfile(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s will load %s\n", args[0], args[1])
				return nil
			})
		},
	})

	outputCmd := &cobra.Command{
		Use:   "output <device-id> <output-path>",
		Short: "Set the output controller a device writes to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(st *store.Store) error {
				if err := st.Devices().SetOutput(args[0], args[1], opts.sharedID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s will write to %s\n", args[0], describeOutput(args[1], opts.sharedID))
				return nil
			})
		},
	}
	outputCmd.Flags().StringVar(&opts.sharedID, "shared", "", "Share the output with every device using the same id")
	cmd.AddCommand(outputCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "autoconnect <device-id> <on|off>",
		Short: "Start the device's session as soon as it is detected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseToggle(args[1])
			if err != nil {
				return err
			}
			return withStore(flags, func(st *store.Store) error {
				if err := st.Devices().SetAutoConnect(args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s autoconnect %s\n", args[0], formatToggle(enabled))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "forget <device-id>",
		Short: "Delete a device's remembered settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(st *store.Store) error {
				if err := st.Devices().Delete(args[0]); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return newCommandError("forget device", args[0], err, "Run 'padmux devices' to see known device ids.")
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

func withStore(flags *rootFlags, fn func(*store.Store) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return newCommandError("open device store", cfg.DatabasePath(), err, "Check the data directory permissions.")
	}
	defer st.Close()
	return fn(st)
}

type deviceJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	AutoConnect bool      `json:"auto_connect"`
	Profile     string    `json:"profile"`
	Output      string    `json:"output"`
	SharedID    string    `json:"shared_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func runDevicesList(cmd *cobra.Command, st *store.Store, opts *devicesOptions) error {
	devices, err := st.Devices().List()
	if err != nil {
		return newCommandError("list devices", st.Path(), err, "The device store may be corrupt; move it aside and retry.")
	}

	if opts.jsonOutput {
		out := make([]deviceJSON, 0, len(devices))
		for _, d := range devices {
			out = append(out, deviceJSON{
				ID:          d.DeviceID,
				Name:        d.Name,
				AutoConnect: d.AutoConnect,
				Profile:     d.LastProfile,
				Output:      d.OutputPath,
				SharedID:    d.SharedID,
				UpdatedAt:   d.UpdatedAt,
			})
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No devices remembered yet.")
		fmt.Fprintln(cmd.OutOrStdout(), "\nConnect a controller while 'padmux run' is active to add it.")
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tAUTOCONNECT\tPROFILE\tOUTPUT")
	for _, d := range devices {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			d.DeviceID,
			valueOrFallback(d.Name, "(unnamed)"),
			formatToggle(d.AutoConnect),
			valueOrFallback(d.LastProfile, "-"),
			valueOrFallback(describeOutput(d.OutputPath, d.SharedID), "-"),
		)
	}
	return writer.Flush()
}

func describeOutput(path, sharedID string) string {
	if path == "" || sharedID == "" {
		return path
	}
	return fmt.Sprintf("%s (shared: %s)", path, sharedID)
}

func parseToggle(value string) (bool, error) {
	switch value {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", value)
	}
	return enabled, nil
}

func formatToggle(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
