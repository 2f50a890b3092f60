package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/infrastructure/discovery"
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find OT-2 robots on the local network over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			asJSON, _ := cmd.Flags().GetBool("json")
			robots, err := discovery.Discover(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(robots)
			}
			if len(robots) == 0 {
				fmt.Fprintln(out, "No robots found.")
				return nil
			}
			s := newStyles(out)
			s.printHeader(out, "Robots")
			for _, r := range robots {
				fmt.Fprintf(out, "  %-24s %s %s\n", r.Name, r.BaseURL(), s.dim.Render(r.Host))
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", discovery.DefaultTimeout, "Browse duration")
	cmd.Flags().Bool("json", false, "Print robots as JSON")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the robot server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, cfg, err := newDriver(cmd)
			if err != nil {
				return err
			}
			health, err := driver.Client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			s := newStyles(out)
			s.printHeader(out, "Robot "+cfg.BaseURL())
			s.printField(out, "Name", health.Name)
			s.printField(out, "Model", health.RobotModel)
			s.printField(out, "Serial", health.RobotSerial)
			s.printField(out, "API", health.APIVersion)
			s.printField(out, "Firmware", health.FirmwareVersion)
			return nil
		},
	}
}

func newLightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "lights [on|off]",
		Short:     "Show or switch the rail lights",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			client := driver.Client()
			if len(args) == 0 {
				lights, err := client.GetLights(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), onOff(lights.On))
				return nil
			}
			var on bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "1":
				on = true
			case "off", "false", "0":
			default:
				return fmt.Errorf("lights: expected on or off, got %q", args[0])
			}
			lights, err := client.SetLights(cmd.Context(), on)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), onOff(lights.On))
			return nil
		},
	}
}

func newHomeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "home",
		Short: "Home the robot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mount, _ := cmd.Flags().GetString("mount")
			parsed, ok := robot.ParseMount(mount)
			if !ok {
				return fmt.Errorf("home: invalid mount %q", mount)
			}
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			if err := driver.Client().Home(cmd.Context(), parsed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Homed (mount=%s)\n", mount)
			return nil
		},
	}
	cmd.Flags().String("mount", "right", "Pipette mount: left or right")
	return cmd
}

func newPositionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Print the named robot positions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			positions, err := driver.Client().GetPositions(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(positions)
		},
	}
}

func newRobotStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "robot-status",
		Short: "Whole-robot status derived from the run list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			status := driver.RobotStatus(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, newStyles(out).status(string(status)))
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete failed runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			deleted, err := driver.Reset(cmd.Context())
			out := cmd.OutOrStdout()
			for _, id := range deleted {
				fmt.Fprintf(out, "deleted %s\n", id)
			}
			if err != nil {
				return err
			}
			if len(deleted) == 0 {
				fmt.Fprintln(out, "No failed runs.")
			}
			return nil
		},
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
