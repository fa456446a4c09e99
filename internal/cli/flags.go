package cli

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file (default ~/.config/killfeed/config.yaml)" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable debug logging"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// RunCommand: poll the killboard on an interval and serve the ops endpoints.
type RunCommand struct {
	Interval string `long:"interval" description:"Override the poll interval (e.g., 90s, 5m)"`
	Addr     string `long:"addr" description:"Override the ops server listen address"`
	NoServer bool   `long:"no-server" description:"Do not start the ops server"`

	globals *GlobalFlags
	version string
}

// OnceCommand: run a single poll cycle and exit.
type OnceCommand struct {
	globals *GlobalFlags
	version string
}

// PreviewCommand: pack killmails and print the containers without sending.
type PreviewCommand struct {
	File    string `long:"file" description:"Read the feed from a JSON file instead of the killboard"`
	KillID  int64  `long:"kill" description:"Only preview the killmail with this id"`
	Limit   int    `long:"limit" description:"Maximum killmails to preview" default:"5"`
	Payload bool   `long:"payload" description:"Print webhook payloads instead of containers"`

	globals *GlobalFlags
	version string
}

// StatusCommand: show the watermark, history statistics and config summary.
type StatusCommand struct {
	globals *GlobalFlags
	version string
}

// HistoryCommand: search announced killmails.
type HistoryCommand struct {
	Since  string `long:"since" description:"Only kills newer than duration (e.g., 7d, 24h, 2w)" default:"7d"`
	Until  string `long:"until" description:"Only kills older than duration"`
	Limit  int    `long:"limit" description:"Maximum results" default:"20"`
	Offset int    `long:"offset" description:"Skip first N results" default:"0"`

	globals *GlobalFlags
	version string
}

// ShowCommand: print one announcement with its deliveries.
type ShowCommand struct {
	ID     string `long:"id" description:"Kill id or announcement id (required)"`
	Format string `long:"format" description:"Output format: text | json | payload" default:"text"`

	globals *GlobalFlags
	version string
}

// PruneCommand: remove announcement history past the retention period.
type PruneCommand struct {
	OlderThan string `long:"older-than" description:"Override retention period (e.g., 30d)"`
	DryRun    bool   `long:"dry-run" description:"Show what would be pruned without deleting"`

	globals *GlobalFlags
	version string
}

// ResetCommand: rewind the watermark or delete all state.
type ResetCommand struct {
	Since string `long:"since" description:"Rewind the watermark to this long ago (e.g., 24h)"`
	All   bool   `long:"all" description:"Delete the watermark and all announcement history"`
	Force bool   `long:"force" description:"Skip safety confirmation prompt"`

	globals *GlobalFlags
	version string
}
