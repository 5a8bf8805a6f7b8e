// Package console is the interactive bench shell.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/shaunagostinho/pinlink/internal/manager"
	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/protocol"
	"github.com/shaunagostinho/pinlink/internal/recorder"
	"github.com/shaunagostinho/pinlink/internal/session"
)

const consoleKey = "$console"

// Console wires the slot manager into an ishell shell.
type Console struct {
	Shell *ishell.Shell
	mgr   *manager.Manager

	watching atomic.Bool
}

type command struct {
	name    string
	aliases []string
	help    string
	run     func(c *Console, w io.Writer, args []string) error
}

// commands is filled in init: the runners reach usage, which reads the table.
var commands []command

func init() {
	commands = []command{
		{name: "ports", help: "list serial ports", run: (*Console).ports},
		{name: "slots", aliases: []string{"ls"}, help: "list slots", run: (*Console).slots},
		{name: "open", help: "SLOT PORT", run: (*Console).open},
		{name: "close", help: "SLOT", run: (*Console).close},
		{name: "send", help: "SLOT OP [PIN] [FUNCTION]", run: (*Console).send},
		{name: "get", help: "SLOT PIN: current function of PIN", run: (*Console).get},
		{name: "set", help: "SLOT PIN FUNCTION", run: (*Console).set},
		{name: "caps", help: "[PIN]: functions each pin accepts", run: (*Console).caps},
		{name: "pins", help: "SLOT: last known function per pin", run: (*Console).pins},
		{name: "start", help: "SLOT: start streaming", run: (*Console).start},
		{name: "stop", help: "SLOT: stop streaming", run: (*Console).stop},
		{name: "log", help: "SLOT [N]: last N samples", run: (*Console).log},
		{name: "export", help: "SLOT FILE: write samples as CSV", run: (*Console).export},
		{name: "clear", help: "SLOT: empty the sample log", run: (*Console).clear},
		{name: "watch", help: "[on|off]: print samples as they arrive", run: (*Console).watch},
	}
}

// New creates a console over mgr.
func New(mgr *manager.Manager) *Console {
	c := &Console{Shell: ishell.New(), mgr: mgr}
	c.Shell.Set(consoleKey, c)
	c.Shell.SetPrompt("pinlink> ")
	for _, cmd := range commands {
		cmd := cmd
		c.Shell.AddCmd(&ishell.Cmd{
			Name:    cmd.name,
			Aliases: cmd.aliases,
			Help:    cmd.help,
			Func: func(ctx *ishell.Context) {
				con := ctx.Get(consoleKey).(*Console)
				if err := cmd.run(con, ctxWriter{ctx}, ctx.Args); err != nil {
					ctx.Err(err)
				}
			},
		})
	}
	return c
}

// Run starts the interactive shell and blocks until it exits.
func (c *Console) Run() {
	c.Shell.Println("pinlink console, type help for commands")
	c.Shell.Run()
}

// Exec runs one command line without the interactive shell.
func (c *Console) Exec(w io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == fields[0] || contains(cmd.aliases, fields[0]) {
			return cmd.run(c, w, fields[1:])
		}
	}
	return fmt.Errorf("unknown command %q", fields[0])
}

type ctxWriter struct{ ctx *ishell.Context }

func (w ctxWriter) Write(p []byte) (int, error) {
	w.ctx.Print(string(p))
	return len(p), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var errUsage = errors.New("usage")

func usage(name string) error {
	for _, cmd := range commands {
		if cmd.name == name {
			return fmt.Errorf("%w: %s %s", errUsage, name, cmd.help)
		}
	}
	return errUsage
}

func slotArg(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("missing slot")
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("bad slot %q", args[i])
	}
	return n, nil
}

func (c *Console) ports(w io.Writer, _ []string) error {
	ports, err := c.mgr.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(tw, "%s\tUSB %s:%s\t%s\n", p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Fprintf(tw, "%s\t\t\n", p.Name)
		}
	}
	return tw.Flush()
}

func (c *Console) slots(w io.Writer, _ []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range c.mgr.Slots() {
		if !s.Open {
			fmt.Fprintf(tw, "%d\t-\n", s.Slot)
			continue
		}
		info := s.Session
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d samples\n", s.Slot, info.Port, info.State, info.Samples)
	}
	return tw.Flush()
}

func (c *Console) open(w io.Writer, args []string) error {
	if len(args) != 2 {
		return usage("open")
	}
	n, err := slotArg(args, 0)
	if err != nil {
		return err
	}
	if err := c.mgr.Open(context.Background(), n, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(w, "slot %d: %s open\n", n, args[1])
	return nil
}

func (c *Console) close(w io.Writer, args []string) error {
	n, err := slotArg(args, 0)
	if err != nil {
		return err
	}
	return c.mgr.Close(n)
}

func (c *Console) send(w io.Writer, args []string) error {
	n, err := slotArg(args, 0)
	if err != nil {
		return err
	}
	req, err := protocol.ParseRequest(strings.Join(args[1:], " "))
	if err != nil {
		return usage("send")
	}
	cmd, err := req.Command()
	if err != nil {
		return err
	}
	return c.dispatch(w, n, cmd)
}

func (c *Console) get(w io.Writer, args []string) error {
	if len(args) != 2 {
		return usage("get")
	}
	n, err := slotArg(args, 0)
	if err != nil {
		return err
	}
	p, err := pins.Parse(args[1])
	if err != nil {
		return err
	}
	return c.dispatch(w, n, protocol.GetCurrentPinFunction(p))
}

func (c *Console) set(w io.Writer, args []string) error {
	if len(args) != 3 {
		return usage("set")
	}
	n, err := slotArg(args, 0)
	if err != nil {
		return err
	}
	p, err := pins.Parse(args[1])
	if err != nil {
		return err
	}
	f, err := pins.ParseFunction(args[2])
	if err != nil {
		return err
	}
	return c.dispatch(w, n, protocol.SetPinFunction(p, f))
}

func (c *Console) start(w io.Writer, args []string) error {
	n, err := slotArg(args, 0)
	if err != nil {
		return err
	}
	return c.dispatch(w, n, protocol.StartLoop())
}

func (c *Console) stop(w io.Writer, args []string) error {
	n, err := slotArg(args, 0)
	if err != nil {
		return err
	}
	return c.dispatch(w, n, protocol.StopLoop())
}

func (c *Console) dispatch(w io.Writer, n int, cmd protocol.Command) error {
	resp, err := c.mgr.Dispatch(n, cmd)
	if err != nil {
		return err
	}
	switch {
	case !resp.Received:
		fmt.Fprintf(w, "%s: no response\n", cmd)
	case resp.Function != nil:
		fmt.Fprintf(w, "%s: %s\n", cmd, *resp.Function)
	case resp.Functions != nil:
		fmt.Fprintf(w, "%s: %s\n", cmd, joinFunctions(resp.Functions))
	case resp.Line != "":
		fmt.Fprintf(w, "%s: %s\n", cmd, resp.Line)
	default:
		fmt.Fprintf(w, "%s: ok\n", cmd)
	}
	return nil
}

func (c *Console) caps(w io.Writer, args []string) error {
	list := pins.All()
	if len(args) > 0 {
		p, err := pins.Parse(args[0])
		if err != nil {
			return err
		}
		list = []pins.ID{p}
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\n", p, joinFunctions(pins.Capabilities(p)))
	}
	return tw.Flush()
}

func (c *Console) pins(w io.Writer, args []string) error {
	sess, err := c.session(args)
	if err != nil {
		return err
	}
	cache := sess.PinCache()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range pins.All() {
		if f, ok := cache[p]; ok {
			fmt.Fprintf(tw, "%s\t%s\n", p, f)
		} else {
			fmt.Fprintf(tw, "%s\t?\n", p)
		}
	}
	return tw.Flush()
}

func (c *Console) log(w io.Writer, args []string) error {
	sess, err := c.session(args)
	if err != nil {
		return err
	}
	samples := sess.Samples()
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return usage("log")
		}
		if n < len(samples) {
			samples = samples[len(samples)-n:]
		}
	}
	for _, s := range samples {
		fmt.Fprintf(w, "%8.3fs  %s\n", s.Elapsed.Seconds(), s.Raw)
	}
	fmt.Fprintf(w, "%d samples\n", len(samples))
	return nil
}

func (c *Console) export(w io.Writer, args []string) error {
	if len(args) != 2 {
		return usage("export")
	}
	sess, err := c.session(args)
	if err != nil {
		return err
	}
	samples := sess.Samples()
	if err := recorder.ExportFile(args[1], samples); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d samples to %s\n", len(samples), args[1])
	return nil
}

func (c *Console) clear(w io.Writer, args []string) error {
	sess, err := c.session(args)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "cleared %d samples\n", sess.ClearLog())
	return nil
}

func (c *Console) session(args []string) (*session.Session, error) {
	n, err := slotArg(args, 0)
	if err != nil {
		return nil, err
	}
	return c.mgr.Session(n)
}

func joinFunctions(fs []pins.Function) string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.String()
	}
	return strings.Join(names, ", ")
}

func (c *Console) watch(w io.Writer, args []string) error {
	on := !c.watching.Load()
	if len(args) > 0 {
		switch args[0] {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return usage("watch")
		}
	}
	c.watching.Store(on)
	fmt.Fprintf(w, "watch %s\n", map[bool]string{true: "on", false: "off"}[on])
	return nil
}

// Watch prints slot events to w until ctx is done or events closes.
// Samples are printed only while watch is on.
func (c *Console) Watch(ctx context.Context, w io.Writer, events <-chan manager.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if line := c.eventLine(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}
}

func (c *Console) eventLine(ev manager.Event) string {
	stamp := ev.Time.Format(time.TimeOnly)
	switch ev.Kind {
	case session.EventSample:
		if !c.watching.Load() || ev.Sample == nil {
			return ""
		}
		return fmt.Sprintf("[%d %s] %s", ev.Slot, stamp, ev.Sample.Raw)
	case session.EventError:
		return fmt.Sprintf("[%d %s] session ended: %s", ev.Slot, stamp, ev.Error)
	case session.EventState:
		return fmt.Sprintf("[%d %s] %s", ev.Slot, stamp, ev.State)
	}
	return ""
}
