package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/thristram/go-gaia-otau/gaia"
	"github.com/thristram/go-gaia-otau/otau"
)

const versionString = "0.1.0"

var (
	flgMTU   = cli.IntFlag{Name: "mtu", Value: gaia.DefaultMTU, Usage: "link MTU; sets the DATA chunk size"}
	flgLog   = cli.StringFlag{Name: "log", Usage: "protocol log file (default: logxi, see LOGXI)"}
	flgQuiet = cli.BoolFlag{Name: "quiet, q", Usage: "quiet mode"}
	flgDir   = cli.StringFlag{Name: "dir, d", Value: "gotau-state", Usage: "directory for partitions and resume records"}
)

func main() {
	app := cli.NewApp()

	app.Name = "gotau"
	app.Usage = "GAIA over-the-air upgrade tool"
	app.Version = versionString
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgMTU, flgLog, flgQuiet}

	app.Commands = []cli.Command{
		{
			Name:      "pack",
			Usage:     "Build an upgrade file",
			ArgsUsage: "OUTPUT",
			Action:    pack,
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "partition, p", Usage: "partition as type:id:file (repeatable)"},
				cli.UintFlag{Name: "company", Value: 0x000A0001, Usage: "company code"},
				cli.UintFlag{Name: "platform", Usage: "platform type"},
				cli.StringFlag{Name: "version", Value: "1.0.0", Usage: "image version major.minor.revision"},
				cli.BoolFlag{Name: "unsigned", Usage: "write an empty footer"},
			},
		},
		{
			Name:      "inspect",
			Usage:     "Print the sections of an upgrade file",
			ArgsUsage: "FILE",
			Action:    inspect,
		},
		{
			Name:   "device",
			Usage:  "Serve upgrades as a simulated device",
			Action: device,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen, l", Value: ":7010", Usage: "listen address"},
				flgDir,
			},
		},
		{
			Name:      "send",
			Usage:     "Upgrade a device with one partition of FILE",
			ArgsUsage: "FILE",
			Action:    send,
			Flags: []cli.Flag{
				cli.IntFlag{Name: "partition, p", Value: -1, Usage: "partition index to send; required when FILE has more than one"},
				cli.StringFlag{Name: "addr, a", Usage: "device address"},
				cli.StringFlag{Name: "ssh", Usage: "SSH host:port of a bridge to the device"},
				cli.StringFlag{Name: "ssh-user", Usage: "SSH username"},
				cli.StringFlag{Name: "ssh-password", Usage: "SSH password (or SSH_PASSWORD, or prompt)"},
				cli.StringFlag{Name: "ssh-cmd", Usage: "bridge command run on the SSH host"},
				cli.StringFlag{Name: "state", Usage: "directory for the resume record (default: memory)"},
			},
		},
		{
			Name:   "relay",
			Usage:  "Accept upgrades and relay them downstream",
			Action: relay,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen, l", Value: ":7010", Usage: "upstream listen address"},
				cli.StringFlag{Name: "downstream", Usage: "downstream device address"},
				flgDir,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gotau: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// logger returns the protocol logger selected by the global flags.
func logger(c *cli.Context, name string) (otau.Logger, func(), error) {
	path := c.GlobalString("log")
	if path == "" {
		return otau.NewLogxiLogger(name), func() {}, nil
	}
	l, err := otau.NewFileLogger(path)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { l.Close() }, nil
}

func config(c *cli.Context) *otau.Config {
	cfg := otau.DefaultConfig()
	cfg.MTU = c.GlobalInt("mtu")
	return cfg
}

func chunkCap(c *cli.Context) int {
	return otau.ChunkCap(c.GlobalInt("mtu"))
}

// progressWidth is the usable width of a progress line, or zero when stderr
// is not a terminal.
func progressWidth() int {
	fd := int(os.Stderr.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w < 2 {
		return 80
	}
	return w - 1
}

// callbacks prints progress and events to stderr.
func callbacks(c *cli.Context, name string) *otau.Callbacks {
	quiet := c.GlobalBool("quiet")
	width := progressWidth()
	return &otau.Callbacks{
		OnProgress: func(part string, transferred, total int64, rate float64) {
			if quiet || width == 0 {
				return
			}
			percent := float64(0)
			if total > 0 {
				percent = float64(transferred) / float64(total) * 100
			}
			line := fmt.Sprintf("%s: %s %.1f%% (%.0f bytes/s)", name, part, percent, rate)
			if len(line) > width {
				line = line[:width]
			}
			fmt.Fprintf(os.Stderr, "\r%s", line)
		},
		OnError: func(err error, context string) {
			msg := fmt.Sprintf("%s: error in %s: %v", name, context, err)
			if hint := errorHint(err); hint != "" {
				msg += " (" + hint + ")"
			}
			fmt.Fprintf(os.Stderr, "\n%s\n", msg)
		},
		OnEvent: func(ev otau.Event) {
			if quiet {
				return
			}
			if s := describe(ev); s != "" {
				fmt.Fprintf(os.Stderr, "\n%s: %s\n", name, s)
			}
		},
	}
}

func describe(ev otau.Event) string {
	switch ev := ev.(type) {
	case otau.SyncEvent:
		return fmt.Sprintf("sync 0x%08X, resume at %s", ev.ID, ev.Resume)
	case otau.UpgradeStartedEvent:
		return "transfer started"
	case otau.HeaderReceivedEvent:
		return fmt.Sprintf("upgrade header, version %s", ev.Header.VersionString())
	case otau.PartitionOpenedEvent:
		return fmt.Sprintf("partition %s/%d -> %s/%d", ev.Info.Type, ev.Info.ID, ev.Target.Type, ev.Target.ID)
	case otau.ValidatedEvent:
		return "file validated"
	case otau.CommittedEvent:
		return fmt.Sprintf("committed slot %d", ev.Slot)
	case otau.RolledBackEvent:
		return "rolled back: " + ev.Reason
	case otau.AbortedEvent:
		if ev.Remote {
			return "aborted by peer"
		}
		return "aborted"
	case otau.ErrorEvent:
		if hint := errorHint(ev.Err); hint != "" {
			return fmt.Sprintf("%s: %v (%s)", ev.Code, ev.Err, hint)
		}
		return fmt.Sprintf("%s: %v", ev.Code, ev.Err)
	case otau.RelayCompleteEvent:
		return fmt.Sprintf("upgrade 0x%08X complete", ev.ID)
	case otau.RelayAbandonedEvent:
		return fmt.Sprintf("gave up after %d reconnection attempts", ev.Attempts)
	}
	return ""
}

// errorHint suggests what to look at for err, or returns "".
func errorHint(err error) string {
	switch {
	case otau.IsTimeout(err):
		return "the peer stopped answering"
	case otau.IsStorage(err):
		return "check that the state directory is writable"
	case otau.IsState(err):
		return "the device is not running the image it was upgraded to"
	}
	return ""
}
