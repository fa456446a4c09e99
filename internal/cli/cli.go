package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Run     *RunCommand
	Once    *OnceCommand
	Preview *PreviewCommand
	Status  *StatusCommand
	History *HistoryCommand
	Show    *ShowCommand
	Prune   *PruneCommand
	Reset   *ResetCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "killfeed"
	parser.LongDescription = "Announces new killboard killmails to chat channels."

	cmds := &commands{
		Run:     &RunCommand{globals: &globals, version: version},
		Once:    &OnceCommand{globals: &globals, version: version},
		Preview: &PreviewCommand{globals: &globals, version: version},
		Status:  &StatusCommand{globals: &globals, version: version},
		History: &HistoryCommand{globals: &globals, version: version},
		Show:    &ShowCommand{globals: &globals, version: version},
		Prune:   &PruneCommand{globals: &globals, version: version},
		Reset:   &ResetCommand{globals: &globals, version: version},
	}

	parser.AddCommand("run", "Poll and announce until stopped", "Poll the killboard on the configured interval, announce new killmails and serve the ops endpoints.", cmds.Run)
	parser.AddCommand("once", "Run a single poll cycle", "Fetch the feed once, announce new killmails and advance the watermark.", cmds.Once)
	parser.AddCommand("preview", "Print packed containers without sending", "Pack killmails from the feed or a file and print the result. Nothing is sent and the watermark is untouched.", cmds.Preview)
	parser.AddCommand("status", "Show watermark and statistics", "Show the watermark, announcement statistics and configuration summary.", cmds.Status)
	parser.AddCommand("history", "Search announced killmails", "Search announced killmails by victim, corporation, robot or zone.", cmds.History)
	parser.AddCommand("show", "Print one announcement", "Print one announcement with its per-channel deliveries.", cmds.Show)
	parser.AddCommand("prune", "Apply retention pruning", "Remove announcement history older than the retention period.", cmds.Prune)
	parser.AddCommand("reset", "Rewind or clear the watermark", "Rewind the watermark, or delete all state with --all. Destructive operation with safety prompt.", cmds.Reset)

	return parser, &globals, cmds
}

// Run is the main entry point for the killfeed CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("killfeed %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
