package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cgsbridge/internal/device"
	"cgsbridge/internal/mqtt"
	"cgsbridge/internal/storage"
)

var (
	discoverWindow time.Duration
	discoverAdd    bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Listen for unregistered devices",
	Long: `Subscribe to every device topic for the scan window and list the
devices that report but are not registered yet. With --add they are
registered with the guessed model.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverWindow, "window", "w", 0, "Scan window (default from CGSBRIDGE_DISCOVERY_WINDOW)")
	discoverCmd.Flags().BoolVar(&discoverAdd, "add", false, "Register every device found")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	window := discoverWindow
	if window <= 0 {
		window = cfg.DiscoveryWindow()
	}

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("%w (is the bridge running? use GET /api/discover)", err)
	}
	defer store.Close()

	client, err := mqtt.New(mqtt.Config{
		Broker:   cfg.MQTTBroker(),
		Username: cfg.MQTTUsername(),
		Password: cfg.MQTTPassword(),
		Prefix:   cfg.MQTTPrefix(),
		UseTLS:   cfg.MQTTUseTLS(),
	}, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s/# for %s...\n", cfg.DevicePrefix(), window)
	registered := func(mac string) bool {
		_, err := store.GetDevice(mac)
		return err == nil
	}
	found, err := device.Scan(ctx, client, cfg.DevicePrefix(), window, registered)
	if err != nil {
		return err
	}

	printCandidates(cmd.OutOrStdout(), found)
	if !discoverAdd {
		return nil
	}

	for _, c := range found {
		dev, err := addDevice(store, c.MAC, "", c.Model)
		if err != nil {
			logger.Warn("failed to register device", zap.String("mac", c.MAC), zap.Error(err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", dev.MAC, dev.Model)
	}
	return nil
}

func printCandidates(out io.Writer, found []device.Candidate) {
	if len(found) == 0 {
		fmt.Fprintln(out, "No new devices found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "MAC\tMODEL\tTOPIC\tFIRST SEEN")
	fmt.Fprintln(w, "---\t-----\t-----\t----------")
	for _, c := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.MAC, c.Model, c.Topic, c.FirstSeen.Format(time.RFC3339))
	}
}
