package cmds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/go-delve/hwwatch/cmd/hwwatch/cmds/helphelpers"
	"github.com/go-delve/hwwatch/pkg/config"
	"github.com/go-delve/hwwatch/pkg/handshake"
	"github.com/go-delve/hwwatch/pkg/logflags"
	"github.com/go-delve/hwwatch/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string

	// payload is the tracee payload run by 'child'.
	payload string

	// useHandler is whether 'self' routes the trap to a handler.
	useHandler bool
	// iterations is the number of writes performed by 'self' with a handler.
	iterations int
	// interval is the pause between two writes of 'self'.
	interval time.Duration

	// verbose makes 'version' print the build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

// watched is the variable armed by 'self'.
var watched uint32

const hwwatchCommandLongDesc = `hwwatch arms a hardware write watchpoint on a live process by programming
the x86 debug registers through ptrace.

Two handshakes are available: 'hwwatch child' spawns a tracee, arms a
watchpoint on it while it is stopped and observes the trap; 'hwwatch self'
spawns a helper that attaches to hwwatch itself and arms the watchpoint.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:          "hwwatch",
		Short:        "hwwatch arms hardware watchpoints through ptrace.",
		Long:         hwwatchCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'hwwatch help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'hwwatch help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, defaults to config.yml in the hwwatch configuration directory.")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hwwatch\n%s\n", version.HwwatchVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	// 'showint' subcommand.
	showintCommand := &cobra.Command{
		Use:   "showint <n>",
		Short: "Prints an integer.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid integer %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "show value : %d\n", n)
			return nil
		},
	}
	rootCommand.AddCommand(showintCommand)

	// 'child' subcommand.
	childCommand := &cobra.Command{
		Use:   "child",
		Short: "Arm a watchpoint on a spawned tracee.",
		Long: `Spawns a tracee that requests to be traced and stops itself. The
watchpoint is armed on a word of the tracee while it is stopped, then the
tracee is resumed and runs its payload, and the resulting trap is reported.

Payloads:

	store	writes the watched word, triggering the watchpoint
	noop	exits without writing
`,
		Args:              cobra.NoArgs,
		PersistentPreRunE: setup,
		RunE:              childCmd,
	}
	childCommand.Flags().StringVar(&payload, "payload", "store", "Payload run by the tracee.")
	rootCommand.AddCommand(childCommand)

	// 'self' subcommand.
	selfCommand := &cobra.Command{
		Use:   "self",
		Short: "Arm a watchpoint on hwwatch itself through a helper.",
		Long: `Spawns a helper that attaches to the calling thread of hwwatch, writes its
debug registers and detaches. hwwatch then writes the watched variable.

With --handler (the default) every trap is reported by a handler and the
variable is incremented --iterations times. With --handler=false the first
write kills hwwatch with SIGTRAP.`,
		Args:              cobra.NoArgs,
		PersistentPreRunE: setup,
		RunE:              selfCmd,
	}
	selfCommand.Flags().BoolVar(&useHandler, "handler", true, "Route traps to a handler instead of crashing.")
	selfCommand.Flags().IntVar(&iterations, "iterations", 3, "Number of writes performed with a handler.")
	selfCommand.Flags().DurationVar(&interval, "interval", time.Second, "Pause between two writes.")
	rootCommand.AddCommand(selfCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	tracer		Log the tracer side of 'hwwatch child'
	helper		Log the helper of 'hwwatch self' and its subject
	installer	Log every debug register write
	trap		Log traps reported to 'hwwatch self'

Spawned tracees and helpers inherit the selection.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path. Spawned tracees and helpers write to the same
destination.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func setup(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	if configPath != "" {
		c, err := config.LoadConfigFrom(configPath)
		if err != nil {
			return fmt.Errorf("could not load configuration: %v", err)
		}
		conf = c
	} else {
		conf = config.LoadConfig()
	}
	return nil
}

func childCmd(cmd *cobra.Command, args []string) error {
	defer logflags.Close()
	out, err := handshake.TraceChild(context.Background(), conf, payload)
	if out != nil {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "tracee %d, watched word %#x\n", out.Pid, out.Address)
		for _, sig := range out.Stops {
			fmt.Fprintf(w, "stopped with %v\n", sig)
		}
		if out.TriggeredSlot >= 0 {
			fmt.Fprintf(w, "watchpoint %d triggered\n", out.TriggeredSlot)
		}
		for _, m := range out.Mismatches {
			fmt.Fprintf(w, "warning: %v\n", m)
		}
		fmt.Fprintf(w, "tracee exited with status %d\n", out.ExitStatus)
		if err == nil && out.ExitStatus != 0 {
			err = fmt.Errorf("tracee exited with status %d", out.ExitStatus)
		}
	}
	return err
}

func selfCmd(cmd *cobra.Command, args []string) error {
	defer logflags.Close()
	if iterations < 0 {
		return errors.New("--iterations must not be negative")
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "init value: %d\n", atomic.LoadUint32(&watched))

	addr := uint64(uintptr(unsafe.Pointer(&watched)))
	var handler handshake.TrapHandler
	traps := make(chan struct{}, 1)
	if useHandler {
		handler = func(handshake.TrapInfo) {
			fmt.Fprintf(w, "new value: %d\n", atomic.LoadUint32(&watched))
			select {
			case traps <- struct{}{}:
			default:
			}
		}
	}

	armed, err := handshake.WatchSelf(context.Background(), conf, addr, int(unsafe.Sizeof(watched)), handler)
	if err != nil {
		return err
	}

	if !useHandler {
		fmt.Fprintln(w, "begin trigger")
		atomic.StoreUint32(&watched, 2)
		time.Sleep(interval)
		fmt.Fprintln(w, "end trigger")
		armed.Release()
		return nil
	}

	for i := 0; i < iterations; i++ {
		atomic.AddUint32(&watched, 1)
		select {
		case <-traps:
		case <-time.After(interval):
		}
	}
	return armed.Disarm(context.Background(), conf)
}
