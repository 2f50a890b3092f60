package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"ot2-driver/internal/robot/application"
	robot "ot2-driver/internal/robot/domain"
	"ot2-driver/internal/robot/interfaces/report"
	"ot2-driver/internal/robot/interfaces/tasks"
)

var errNoCurrentRun = errors.New("no current run on the robot; pass a run id")

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <protocol-file>",
		Short: "Upload a protocol and create a run for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			protocolID, runID, err := driver.Transfer(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			if protocolID != "" {
				fmt.Fprintf(out, "protocol %s\n", protocolID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s\n", runID)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <protocol-file|name>",
		Short: "Upload a protocol, play it and follow it until it finishes",
		Long: `Uploads the protocol, creates a run, posts play and polls the run until it
reaches a terminal status. A bare name is looked up in the protocol
directory. Ctrl-C stops the run on the robot and waits for it to settle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			driver, cfg, err := newDriver(cmd)
			if err != nil {
				return err
			}
			path, err := resolveProtocol(args[0], cfg.ProtocolDir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			_, runID, err := driver.Transfer(ctx, path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			s := newStyles(out)
			var sink robot.ProgressSink
			if !asJSON {
				fmt.Fprintf(out, "run %s %s\n", runID, s.dim.Render("("+filepath.Base(path)+")"))
				sink = newProgressPrinter(out, s)
			}
			record, err := driver.Execute(ctx, runID, application.WaitOptions{Sink: sink})
			if asJSON && record.Run.ID != "" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(record); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if !record.Succeeded() {
				return fmt.Errorf("run %s finished %s: %s", record.Run.ID, record.Run.Status, record.Error)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the final run record as JSON")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's status and command log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			runID, err := resolveRunID(cmd.Context(), driver, args)
			if err != nil {
				return err
			}
			record, err := loadRecord(cmd.Context(), driver, runID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			s := newStyles(out)
			s.printHeader(out, "Run "+record.Run.ID)
			s.printField(out, "Status", s.status(string(record.Run.Status)))
			if record.Run.RawStatus != string(record.Run.Status) {
				s.printField(out, "Reported", record.Run.RawStatus)
			}
			s.printField(out, "Protocol", record.Run.ProtocolID)
			s.printField(out, "Created", formatTime(record.Run.CreatedAt))
			if record.Error != "" {
				s.printField(out, "Error", s.errorText.Render(record.Error))
			}
			s.printField(out, "Commands", fmt.Sprintf("%d", len(record.Commands)))
			for _, c := range record.Commands {
				fmt.Fprintf(out, "    %-28s %-9s %s\n", c.CommandType, c.Intent, s.status(c.Status))
			}
			return nil
		},
	}
}

func newActionCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [run-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			runID, err := resolveRunID(cmd.Context(), driver, args)
			if err != nil {
				return err
			}
			post := driver.Cancel
			switch name {
			case "pause":
				post = driver.Pause
			case "resume":
				post = driver.Resume
			}
			result, err := post(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if !result.Accepted {
				return fmt.Errorf("%s rejected (http %d): %s", name, result.StatusCode, result.Detail)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s accepted for %s\n", name, runID)
			return nil
		},
	}
}

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <command-type>",
		Short: "Enqueue a single command, creating a run when needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paramsJSON, _ := cmd.Flags().GetString("params")
			runID, _ := cmd.Flags().GetString("run")
			noExecute, _ := cmd.Flags().GetBool("no-execute")
			intent, _ := cmd.Flags().GetString("intent")

			var params map[string]any
			if strings.TrimSpace(paramsJSON) != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("stream: --params: %w", err)
				}
			}
			switch robot.Intent(intent) {
			case "", robot.IntentSetup, robot.IntentProtocol:
			default:
				return fmt.Errorf("stream: invalid intent %q", intent)
			}
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			used, err := driver.Stream(cmd.Context(), application.StreamRequest{
				CommandType: args[0],
				Params:      params,
				RunID:       runID,
				Execute:     !noExecute,
				Intent:      robot.Intent(intent),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s\n", used)
			return nil
		},
	}
	cmd.Flags().String("params", "", "Command params as a JSON object")
	cmd.Flags().String("run", "", "Existing run id; a new run is created when empty")
	cmd.Flags().Bool("no-execute", false, "Enqueue without posting play")
	cmd.Flags().String("intent", "", "Command intent: setup or protocol")
	return cmd
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Write a PDF or XLSX report for a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			if format != "pdf" && format != "xlsx" {
				return fmt.Errorf("report: unsupported format %q", format)
			}
			driver, _, err := newDriver(cmd)
			if err != nil {
				return err
			}
			runID, err := resolveRunID(cmd.Context(), driver, args)
			if err != nil {
				return err
			}
			record, err := loadRecord(cmd.Context(), driver, runID)
			if err != nil {
				return err
			}
			var data []byte
			if format == "pdf" {
				data, err = report.BuildRunPDF(record)
			} else {
				data, err = report.BuildRunXLSX(record)
			}
			if err != nil {
				return err
			}
			if output == "" {
				output = runID + "." + format
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().String("format", "pdf", "Report format: pdf or xlsx")
	cmd.Flags().StringP("output", "o", "", "Output path (default <run-id>.<format>)")
	return cmd
}

// resolveProtocol accepts an existing file path or a name in dir.
func resolveProtocol(arg, dir string) (string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		return arg, nil
	}
	return tasks.DirResolver{Dir: dir}.Resolve(arg)
}

func resolveRunID(ctx context.Context, driver *application.Driver, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	runs, err := driver.Client().ListRuns(ctx)
	if err != nil {
		return "", err
	}
	for _, run := range runs {
		if run.Current {
			return run.ID, nil
		}
	}
	return "", errNoCurrentRun
}

func loadRecord(ctx context.Context, driver *application.Driver, runID string) (robot.RunRecord, error) {
	client := driver.Client()
	run, err := client.GetRun(ctx, runID)
	if err != nil {
		return robot.RunRecord{}, err
	}
	commands, err := client.GetCommands(ctx, runID)
	if err != nil {
		return robot.RunRecord{}, err
	}
	return robot.RunRecord{Run: run, Commands: commands, Error: run.ErrorMessage()}, nil
}

type progressPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	s    styles
	last robot.RunStatus
}

func newProgressPrinter(out io.Writer, s styles) *progressPrinter {
	return &progressPrinter{out: out, s: s}
}

// Report prints status changes, diagnostics and the terminal outcome.
func (p *progressPrinter) Report(_ context.Context, event robot.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, diag := range event.Diagnostics {
		fmt.Fprintf(p.out, "  %s %s\n", p.s.errorText.Render("!"), diag.Error())
	}
	if event.Status != p.last || event.Terminal {
		fmt.Fprintf(p.out, "  %s %s\n", p.s.dim.Render(event.OccurredAt.Local().Format("15:04:05")), p.s.status(string(event.Status)))
		p.last = event.Status
	}
	if event.Terminal && event.Message != "" {
		fmt.Fprintf(p.out, "  %s\n", p.s.errorText.Render(event.Message))
	}
}
