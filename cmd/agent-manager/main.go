package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-manager/internal/config"
	"github.com/asheshgoplani/agent-manager/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var cliLog = logging.ForComponent(logging.CompCLI)

// exitError ends the process with code after the command has already
// reported its outcome.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// exitCode maps a command error to the process status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent-manager",
		Short:         "Run and supervise coding agents in tmux",
		Long:          "agent-manager starts CLI coding agents in tmux sessions, tracks their state from the pane, runs scheduled jobs and keeps agents alive.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				// Defaults stay in effect.
				fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
			}
			lc := cfg.LoggingConfig()
			lc.Process = strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()+" ")
			logging.Init(lc)
			log.SetFlags(0)
			log.SetOutput(logging.NewBridgeWriter(logging.CompCLI))
			initColorProfile()
			cliLog.Debug("command_start", "command", cmd.CommandPath(), "args", args)
			return nil
		},
	}

	root.AddCommand(
		newListCommand(),
		newStatusCommand(),
		newActivityCommand(),
		newDoctorCommand(),
		newStartCommand(),
		newStopCommand(),
		newRestartCommand(),
		newMonitorCommand(),
		newSendCommand(),
		newAssignCommand(),
		newAttachCommand(),
		newScheduleCommand(),
		newWatchdogCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	logging.Shutdown()

	var ee *exitError
	if err != nil && !errors.As(err, &ee) {
		fmt.Printf("❌ %v\n", err)
	}
	os.Exit(exitCode(err))
}
