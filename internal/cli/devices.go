package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cgsbridge/internal/qingping"
	"cgsbridge/internal/storage"
)

var (
	addName  string
	addModel string
)

// devicesCmd groups registration commands. They work on the database
// directly, so the bridge must be stopped; changes apply on next start.
var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"device", "d"},
	Short:   "Manage registered devices",
	Long: `Commands for listing, adding and removing registered devices.

They open the bridge database directly and fail while "cgsbridge serve" holds
it; use the HTTP API against a running bridge instead.`,
}

var devicesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered devices",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store storage.Storage) error {
			return listDevices(cmd.OutOrStdout(), store)
		})
	},
}

var devicesAddCmd = &cobra.Command{
	Use:   "add MAC",
	Short: "Register a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := qingping.ParseModel(addModel)
		if err != nil {
			return err
		}
		return withStore(func(store storage.Storage) error {
			dev, err := addDevice(store, args[0], addName, model)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s) as %q\n", dev.MAC, dev.Model, dev.Name)
			return nil
		})
	},
}

var devicesRemoveCmd = &cobra.Command{
	Use:     "remove MAC",
	Aliases: []string{"rm"},
	Short:   "Remove a registered device",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mac := qingping.NormalizeMAC(args[0])
		return withStore(func(store storage.Storage) error {
			if err := store.DeleteDevice(mac); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("device %s is not registered", mac)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s; its Home Assistant entities are cleared when the bridge starts\n", mac)
			return nil
		})
	},
}

func init() {
	devicesAddCmd.Flags().StringVarP(&addName, "name", "n", "", "Display name (default \"Qingping <model>\")")
	devicesAddCmd.Flags().StringVarP(&addModel, "model", "m", string(qingping.ModelCGS1), "Device model (CGS1 or CGS2)")

	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd, devicesAddCmd, devicesRemoveCmd)
}

// withStore opens the configured database for the duration of fn.
func withStore(fn func(store storage.Storage) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("%w (is the bridge running?)", err)
	}
	defer store.Close()
	return fn(store)
}

func addDevice(store storage.Storage, mac, name string, model qingping.Model) (*storage.Device, error) {
	mac = qingping.NormalizeMAC(mac)
	if mac == "" {
		return nil, fmt.Errorf("%w: mac address is required", qingping.ErrInvalidSetting)
	}
	if name == "" {
		name = "Qingping " + string(model)
	}
	dev := &storage.Device{
		MAC:      mac,
		Name:     name,
		Model:    model,
		Settings: qingping.DefaultSettings(model),
	}
	if err := store.CreateDevice(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func listDevices(out io.Writer, store storage.Storage) error {
	devices, err := store.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "MAC\tNAME\tMODEL\tINTERVAL\tTVOC UNIT\tTEMP UNIT\tREGISTERED")
	fmt.Fprintln(w, "---\t----\t-----\t--------\t---------\t---------\t----------")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\t%s\t%s\n",
			d.MAC,
			d.Name,
			d.Model,
			d.Settings.ReportInterval,
			d.Settings.VOCUnit,
			d.Settings.TemperatureUnit,
			d.CreatedAt.Format(time.RFC3339),
		)
	}
	return nil
}
