package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/go-loupe/loupe/cmd/loupe/cmds/helphelpers"
	"github.com/go-loupe/loupe/pkg/config"
	"github.com/go-loupe/loupe/pkg/logflags"
	"github.com/go-loupe/loupe/pkg/proc/native"
	"github.com/go-loupe/loupe/pkg/target"
	"github.com/go-loupe/loupe/pkg/terminal"
	"github.com/go-loupe/loupe/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// cpuProfile writes a pprof CPU profile of the analysis to the current directory.
	cpuProfile bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const loupeCommandLongDesc = `Loupe is a live inspector for stripped Go programs.

Loupe attaches to an already running process, recovers its function table and
runtime type graph directly from process memory, and lets you look around:
resolve addresses to functions, walk the stack, and extract speculative values
with an attached confidence grade.

The target process stays stopped for as long as loupe holds it and resumes
when you quit.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main loupe root command.
	rootCommand = &cobra.Command{
		Use:   "loupe",
		Short: "Loupe is a live inspector for stripped Go programs.",
		Long:  loupeCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'loupe help log')`)
	rootCommand.PersistentFlags().BoolVarP(&cpuProfile, "profile", "", false, "Write a CPU profile of the analysis to the current directory.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and begin inspecting.",
		Long: `Attach to an already running process and begin inspecting it.

This command will cause Loupe to take control of an already running process,
recover its function table and type information from memory, and open an
interactive session. The process is resumed when you exit the session.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Loupe Inspector\n%s\n", version.LoupeVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	gosym		Log function table recovery
	gotype		Log moduledata location and type graph construction
	infer		Log recorded and dropped guesses
	target		Log attach, analysis and reanalysis

`,
	})

	helpFunc := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		helpFunc(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, conf))
}

func execute(attachPid int, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if cpuProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	p, err := native.Attach(attachPid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not attach to pid %d: %v\n", attachPid, err)
		return 1
	}

	tgt, err := target.New(p, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not analyse pid %d: %v\n", attachPid, err)
		p.Detach()
		return 1
	}
	if err := tgt.StopHook(); err != nil {
		logflags.TargetLogger().Warnf("stop hook: %v", err)
	}

	status, err := terminal.New(tgt, conf).Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := p.Detach(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return status
}
