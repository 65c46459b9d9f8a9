package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/thristram/go-gaia-otau/otau"
	"github.com/thristram/go-gaia-otau/upgradefile"
)

// connector builds the downstream connector from --addr or --ssh.
func connector(c *cli.Context) (otau.Connector, error) {
	mtu := c.GlobalInt("mtu")
	if addr := c.String("addr"); addr != "" {
		return otau.NetConnector{Address: addr, MTU: mtu}, nil
	}
	host := c.String("ssh")
	if host == "" {
		return nil, cli.NewExitError("send: --addr or --ssh is required", 1)
	}
	if c.String("ssh-user") == "" || c.String("ssh-cmd") == "" {
		return nil, cli.NewExitError("send: --ssh needs --ssh-user and --ssh-cmd", 1)
	}

	pass := c.String("ssh-password")
	if pass == "" {
		pass = os.Getenv("SSH_PASSWORD")
	}
	if pass == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, cli.NewExitError("send: no SSH password", 1)
		}
		fmt.Fprintf(os.Stderr, "%s@%s password: ", c.String("ssh-user"), host)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, errors.Wrap(err, "read password")
		}
		pass = string(b)
	}
	return otau.SSHConnector{
		Address:  host,
		User:     c.String("ssh-user"),
		Password: pass,
		Command:  c.String("ssh-cmd"),
		MTU:      mtu,
	}, nil
}

// relayIndex picks the partition to send. The device receives it alone, with
// the footer re-signed for it, so a file holding several partitions needs an
// explicit index.
func relayIndex(count, index int) (int, error) {
	switch {
	case index < 0 && count == 1:
		return 0, nil
	case index < 0:
		return 0, cli.NewExitError(fmt.Sprintf("send: file has %d partitions, choose one with --partition", count), 1)
	case index >= count:
		return 0, cli.NewExitError(fmt.Sprintf("send: no partition %d in a file of %d", index, count), 1)
	}
	return index, nil
}

func send(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("send: no file", 1)
	}
	f, err := upgradefile.Parse(path)
	if err != nil {
		return err
	}
	index, err := relayIndex(len(f.Partitions), c.Int("partition"))
	if err != nil {
		return err
	}

	conn, err := connector(c)
	if err != nil {
		return err
	}
	log, closeLog, err := logger(c, "client")
	if err != nil {
		return err
	}
	defer closeLog()

	var kv otau.KeyValue = otau.NewMemoryKV()
	if dir := c.String("state"); dir != "" {
		if kv, err = otau.NewFileKV(dir); err != nil {
			return err
		}
	}

	store := otau.NewMemoryStore()
	desc, err := otau.StageFile(store, f, index, 0, chunkCap(c))
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	finish := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	cb := callbacks(c, "client")
	report := cb.OnEvent
	cb.OnEvent = func(ev otau.Event) {
		report(ev)
		switch ev := ev.(type) {
		case otau.RelayCompleteEvent:
			finish(nil)
		case otau.RelayAbandonedEvent:
			finish(errors.Errorf("device did not come back after %d attempts", ev.Attempts))
		case otau.ClientStateEvent:
			if ev.To == otau.ClientIdle {
				finish(errors.Errorf("upgrade stopped in %s", ev.From))
			}
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := otau.NewClientSession(nil,
		otau.WithConfig(config(c)),
		otau.WithStore(store),
		otau.WithKeyValue(kv),
		otau.WithConnector(conn),
		otau.WithCallbacks(cb),
		otau.WithSessionLogger(log),
	)

	// The loop outlives ctx so an interrupted upgrade can still be aborted.
	var g errgroup.Group
	g.Go(func() error { return client.Run(context.Background()) })
	g.Go(func() error {
		defer client.Stop()
		if err := client.SetCurrent(desc); err != nil {
			return err
		}
		if err := client.StartUpgrade(); err != nil {
			return err
		}
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			client.Abort()
			return errors.New("interrupted")
		}
	})
	return g.Wait()
}
