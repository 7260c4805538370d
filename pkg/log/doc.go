/*
Package log provides structured logging for OpenSet using zerolog.

The package wraps a single process-wide zerolog.Logger with component-scoped
child loggers so that every partition loop, cell, and sentinel tick can be
traced back to the table, partition, or node it belongs to without threading
a logger through every call.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers carry the field that made the log line useful in the
first place — which partition emitted it, which table it belongs to:

	loopLog := log.WithPartition(42)
	loopLog.Debug().Str("cell", "insert").Msg("draining side log")

	tableLog := log.WithTable("events")
	tableLog.Warn().Int("backlog", 6200).Msg("insert backlog over limit")

	sentinelLog := log.WithComponent("sentinel")
	sentinelLog.Info().Str("promoted", "node-3").Int("partition", 12).Msg("promoted clone to owner")

# Log levels

Debug is for interpreter opcode tracing and slice-budget accounting; Info
for lifecycle events (partition assigned, segment refreshed, node joined);
Warn for recoverable pressure (side-log backlog, LRU eviction storms); Error
for anything that aborted a cell. Fatal is reserved for startup failures in
cmd/openset — nothing in the core calls it, since a cell's errors always
return through its shuttle instead of crashing the process.

# JSON output example

	{"level":"info","component":"sentinel","partition":12,"time":"2026-01-01T00:00:00Z","message":"promoted clone to owner"}
*/
package log
