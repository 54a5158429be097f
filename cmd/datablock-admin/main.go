// Command datablock-admin inspects and repairs datablock channels.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gosuda.org/datablock"
	"gosuda.org/datablock/config"
	"gosuda.org/datablock/internal/proc"
)

const usage = `usage: datablock-admin [-config FILE] [-dir DIR] <command> [flags]

commands:
  create    -channel NAME        create a channel from its config preset
  remove    -channel NAME        unlink a channel segment
  inspect   -channel NAME        show header counters, slots and consumers
  diag      -channel NAME [-slot N]
  release   -channel NAME -slot N  free a slot held by a dead writer
  unlock    -channel NAME        release a lock held by a dead process
  sweep     -channel NAME        remove dead consumers
  validate  -channel NAME        check structural invariants
  audit     -channel NAME [-max N]
`

func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}
	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), closer, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("datablock-admin", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "datablock.yaml", "configuration file")
	dir := global.String("dir", "", "segment directory (overrides config)")
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *dir != "" {
		cfg.Hub.Dir = *dir
	}
	logger, closer, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	cmd := &command{cfg: cfg, hub: cfg.NewHub(logger), out: stdout, errOut: stderr}
	name, rest := global.Arg(0), global.Args()[1:]

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	channel := fs.String("channel", "", "channel name (required)")
	slot := fs.Int("slot", -1, "slot index")
	maxRecords := fs.Int("max", 0, "maximum audit records, 0 for all")
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	if *channel == "" {
		fmt.Fprintln(stderr, "Error: -channel flag is required.")
		return 2
	}

	switch name {
	case "create":
		return cmd.create(*channel)
	case "remove":
		return cmd.remove(*channel)
	case "inspect":
		return cmd.withChannel(*channel, cmd.inspect)
	case "diag":
		return cmd.withChannel(*channel, func(ch *datablock.Channel) int { return cmd.diag(ch, *slot) })
	case "release":
		return cmd.withChannel(*channel, func(ch *datablock.Channel) int { return cmd.release(ch, *slot) })
	case "unlock":
		return cmd.withChannel(*channel, cmd.unlock)
	case "sweep":
		return cmd.withChannel(*channel, cmd.sweep)
	case "validate":
		return cmd.withChannel(*channel, cmd.validate)
	case "audit":
		return cmd.withChannel(*channel, func(ch *datablock.Channel) int { return cmd.audit(ch, *maxRecords) })
	}
	fmt.Fprintf(stderr, "Error: unknown command %q\n", name)
	global.Usage()
	return 2
}

type command struct {
	cfg    *config.Config
	hub    *datablock.Hub
	out    io.Writer
	errOut io.Writer
}

func (c *command) fail(format string, args ...any) int {
	fmt.Fprintf(c.errOut, "Error: "+format+"\n", args...)
	return 1
}

func (c *command) withChannel(name string, fn func(*datablock.Channel) int) int {
	ch, err := datablock.OpenChannel(c.hub, name)
	if err != nil {
		return c.fail("%v", err)
	}
	defer ch.Close()
	return fn(ch)
}

func (c *command) create(name string) int {
	preset, ok := c.cfg.Channels[name]
	if !ok {
		return c.fail("channel %q has no preset in the configuration", name)
	}
	policy, dc, err := preset.DataBlock()
	if err != nil {
		return c.fail("%v", err)
	}
	p, err := datablock.CreateDataBlockProducer(c.hub, name, policy, dc, nil)
	if err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintf(c.out, "created %s at %s (fingerprint %s)\n", name, p.Channel().Path(), p.Channel().Config().Fingerprint(policy))
	p.Close()
	return 0
}

func (c *command) remove(name string) int {
	if err := datablock.RemoveChannel(c.hub, name); err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintf(c.out, "removed %s\n", name)
	return 0
}

func formatPID(pid uint32) string {
	if pid == 0 {
		return "-"
	}
	state := "dead"
	if proc.Alive(pid) {
		state = "alive"
	}
	if n := proc.Name(pid); n != "" {
		return fmt.Sprintf("%d (%s, %s)", pid, n, state)
	}
	return fmt.Sprintf("%d (%s)", pid, state)
}

func (c *command) inspect(ch *datablock.Channel) int {
	st := ch.Stats()
	w := tabwriter.NewWriter(c.out, 0, 0, 3, ' ', 0)
	commit := "none"
	if st.Committed {
		commit = fmt.Sprint(st.CommitIndex)
	}
	fmt.Fprintf(w, "CHANNEL\t%s\n", st.Name)
	fmt.Fprintf(w, "PATH\t%s\n", ch.Path())
	fmt.Fprintf(w, "POLICY\t%s\n", st.Policy)
	fmt.Fprintf(w, "CAPACITY\t%d\n", st.Capacity)
	fmt.Fprintf(w, "FINGERPRINT\t%s\n", ch.Config().Fingerprint(st.Policy))
	fmt.Fprintf(w, "CREATED\t%s by %s\n", st.CreatedAt.Format(time.RFC3339), formatPID(st.CreatorPID))
	fmt.Fprintf(w, "COMMIT INDEX\t%s\n", commit)
	fmt.Fprintf(w, "NEXT SLOT ID\t%d\n", st.NextSlotID)
	fmt.Fprintf(w, "WRITER\t%s\n", formatPID(st.WriterPID))
	fmt.Fprintf(w, "LOCK OWNER\t%s\n", formatPID(st.LockOwner))
	fmt.Fprintf(w, "CONSUMERS\t%d\n", st.ActiveConsumers)
	fmt.Fprintf(w, "COMMITS/ABORTS\t%d/%d\n", st.TotalCommits, st.TotalAborts)
	fmt.Fprintf(w, "RECOVERIES\t%d\n", st.Recoveries)
	fmt.Fprintf(w, "AUDIT DROPPED\t%d\n", st.AuditDropped)
	w.Flush()

	if s, err := ch.Schema(); err == nil && s != nil {
		fmt.Fprintf(c.out, "\nschema %s\n", s.Name)
		for _, f := range s.Fields {
			fmt.Fprintf(c.out, "  %s %s\n", f.Name, f.Kind)
		}
	}

	fmt.Fprintln(c.out)
	if code := c.diag(ch, -1); code != 0 {
		return code
	}

	consumers, err := ch.Consumers()
	if err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.out)
	w = tabwriter.NewWriter(c.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tPID\tUID\tCURSOR\tLAST BEAT\tHELD")
	fmt.Fprintln(w, "-----\t---\t---\t------\t---------\t----")
	for _, ci := range consumers {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%v\n",
			ci.Entry, formatPID(ci.PID), ci.UID, ci.Cursor, ci.LastBeat.Format(time.RFC3339), ci.Held)
	}
	w.Flush()
	return 0
}

func (c *command) diag(ch *datablock.Channel, slot int) int {
	first, last := uint64(0), ch.Capacity()
	if slot >= 0 {
		first, last = uint64(slot), uint64(slot)+1
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tSTATE\tSLOT ID\tLENGTH\tREADERS\tWRITER\tSTUCK")
	fmt.Fprintln(w, "-----\t-----\t-------\t------\t-------\t------\t-----")
	for i := first; i < last; i++ {
		d, err := datablock.NewSlotDiagnostics(ch, i)
		if err != nil {
			w.Flush()
			return c.fail("%v", err)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\t%t\n",
			i, d.SlotState(), d.SlotID(), d.Length(), d.Readers(), formatPID(d.WriteLockPID()), d.IsStuck())
	}
	w.Flush()
	return 0
}

func (c *command) release(ch *datablock.Channel, slot int) int {
	if slot < 0 {
		return c.fail("-slot is required")
	}
	r, err := datablock.NewSlotRecovery(ch, uint64(slot))
	if err != nil {
		return c.fail("%v", err)
	}
	return c.report(r.ReleaseZombieWriter())
}

func (c *command) unlock(ch *datablock.Channel) int {
	return c.report(datablock.ReleaseZombieLock(ch))
}

func (c *command) sweep(ch *datablock.Channel) int {
	removed, res := ch.CleanupDeadConsumers()
	fmt.Fprintf(c.out, "removed %d dead consumers\n", removed)
	return c.report(res)
}

func (c *command) validate(ch *datablock.Channel) int {
	v := datablock.NewIntegrityValidator(ch)
	res := v.Validate()
	for _, issue := range v.Issues() {
		fmt.Fprintf(c.out, "  %s\n", issue)
	}
	return c.report(res)
}

func (c *command) audit(ch *datablock.Channel, maxRecords int) int {
	if !ch.AuditEnabled() {
		return c.fail("channel %s has no audit ring", ch.Name())
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tOP\tPID\tSLOT ID\tINDEX")
	fmt.Fprintln(w, "----\t--\t---\t-------\t-----")
	for _, r := range ch.DrainAudit(maxRecords) {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", r.Time().Format(time.RFC3339Nano), r.Op, r.PID, r.SlotID, r.SlotIndex)
	}
	w.Flush()
	return 0
}

func (c *command) report(res datablock.RecoveryResult) int {
	fmt.Fprintln(c.out, res)
	if res != datablock.RecoverySuccess {
		return 1
	}
	return 0
}
