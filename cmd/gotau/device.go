package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/thristram/go-gaia-otau/otau"
)

// deviceState opens the partition store and resume records under dir.
func deviceState(dir string) (*otau.FileStore, *otau.FileKV, error) {
	store, err := otau.NewFileStore(filepath.Join(dir, "partitions"))
	if err != nil {
		return nil, nil, err
	}
	kv, err := otau.NewFileKV(filepath.Join(dir, "records"))
	if err != nil {
		return nil, nil, err
	}
	return store, kv, nil
}

// newDevice creates a device session whose simulated reboot reloads its
// persisted state.
func newDevice(c *cli.Context, store otau.PartitionStore, kv otau.KeyValue, log otau.Logger, cb *otau.Callbacks, peer string, registry *otau.DeviceRegistry) *otau.Session {
	platform := otau.NewSimulatedPlatform(3700)
	dev := otau.NewDeviceSession(nil,
		otau.WithConfig(config(c)),
		otau.WithStore(store),
		otau.WithKeyValue(kv),
		otau.WithPlatform(platform),
		otau.WithCallbacks(cb),
		otau.WithSessionLogger(log),
		otau.WithPeer(peer, registry),
	)
	platform.OnReboot = func() {
		log.Info("device: rebooted into slot %d", platform.Running())
		go dev.Restart()
	}
	return dev
}

// serve attaches every accepted connection to dev until ctx is done.
func serve(ctx context.Context, addr string, mtu int, dev *otau.Session, log otau.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Info("listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		log.Info("host connected from %s", conn.RemoteAddr())
		var link otau.Link = otau.NewStreamLink(conn, mtu)
		link = otau.NewLoggingLink(link, log, "device")
		if err := dev.Attach(link); err != nil {
			conn.Close()
			return nil
		}
	}
}

func device(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	log, closeLog, err := logger(c, "device")
	if err != nil {
		return err
	}
	defer closeLog()

	store, kv, err := deviceState(c.String("dir"))
	if err != nil {
		return err
	}
	dev := newDevice(c, store, kv, log, callbacks(c, "device"), "upstream", otau.NewDeviceRegistry())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return serve(gctx, c.String("listen"), c.GlobalInt("mtu"), dev, log)
	})
	return g.Wait()
}

func relay(c *cli.Context) error {
	downstream := c.String("downstream")
	if downstream == "" {
		return cli.NewExitError("relay: --downstream is required", 1)
	}
	ctx, cancel := signalContext()
	defer cancel()

	log, closeLog, err := logger(c, "relay")
	if err != nil {
		return err
	}
	defer closeLog()

	dir := c.String("dir")
	store, kv, err := deviceState(dir)
	if err != nil {
		return err
	}
	clientKV, err := otau.NewFileKV(filepath.Join(dir, "relay"))
	if err != nil {
		return err
	}

	// The client serves partitions the device session writes, so both use
	// the same store.
	client := otau.NewClientSession(nil,
		otau.WithConfig(config(c)),
		otau.WithStore(store),
		otau.WithKeyValue(clientKV),
		otau.WithConnector(otau.NetConnector{Address: downstream, MTU: c.GlobalInt("mtu")}),
		otau.WithCallbacks(callbacks(c, "downstream")),
		otau.WithSessionLogger(log),
	)

	upstream := callbacks(c, "upstream")
	report := upstream.OnEvent
	upstream.OnEvent = func(ev otau.Event) {
		report(ev)
		if _, ok := ev.(otau.ValidatedEvent); ok {
			go func() {
				if err := client.StartUpgrade(); err != nil {
					fmt.Fprintf(os.Stderr, "relay: start downstream upgrade: %v\n", err)
				}
			}()
		}
	}
	dev := newDevice(c, store, kv, log, otau.RelayCallbacks(upstream, client), "upstream", otau.NewDeviceRegistry())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return serve(gctx, c.String("listen"), c.GlobalInt("mtu"), dev, log)
	})
	return g.Wait()
}
