package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/gattlink/logger"
	"github.com/user/gattlink/session"
	"github.com/user/gattlink/wire/gatt"
	"github.com/user/gattlink/wire/l2cap"
)

func main() {
	app := cli.NewApp()

	app.Name = "gattclient"
	app.Usage = "Discover and talk to a BLE GATT server over an L2CAP LE socket"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "addr, a", Usage: "remote device address (AA:BB:CC:DD:EE:FF)", EnvVar: "GATTLINK_ADDR"},
		cli.StringFlag{Name: "addr-type", Value: "public", Usage: "remote address type (public / random)"},
		cli.StringFlag{Name: "adapter", Usage: "local adapter address, empty for any", EnvVar: "GATTLINK_ADAPTER"},
		cli.StringFlag{Name: "security", Value: "low", Usage: "link security level (low / medium / high)"},
		cli.IntFlag{Name: "mtu", Value: 0, Usage: "MTU to offer, 0 for the maximum"},
		cli.DurationFlag{Name: "timeout, t", Value: 10 * time.Second, Usage: "connect and discovery timeout"},
		cli.StringSliceFlag{Name: "service, s", Usage: "only discover these primary services"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace / debug / info / warn / error", EnvVar: "GATTLINK_LOG_LEVEL"},
		cli.BoolFlag{Name: "debug", Usage: "write JSONL packet traces", EnvVar: "GATTLINK_DEBUG"},
	}

	app.Commands = []cli.Command{
		{
			Name:    "services",
			Aliases: []string{"ls"},
			Usage:   "Discover and print the remote attribute database",
			Action:  services,
		},
		{
			Name:      "read",
			Aliases:   []string{"r"},
			Usage:     "Read a characteristic value",
			ArgsUsage: "<handle|uuid>",
			Action:    read,
		},
		{
			Name:      "write",
			Aliases:   []string{"w"},
			Usage:     "Write a characteristic value given as hex",
			ArgsUsage: "<handle|uuid> <hex>",
			Action:    write,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "no-response, n", Usage: "use Write Command"},
			},
		},
		{
			Name:      "notify",
			Aliases:   []string{"n"},
			Usage:     "Subscribe and print notifications or indications",
			ArgsUsage: "<handle|uuid>",
			Action:    notify,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: 30 * time.Second, Usage: "how long to listen"},
			},
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		logger.Error("CLI", "❌ %v", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	logger.SetLevel(logger.ParseLevel(c.GlobalString("log-level")))
	return nil
}

// withSigHandler cancels ctx on SIGINT or SIGTERM
func withSigHandler(ctx context.Context, cancel context.CancelFunc) context.Context {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			fmt.Printf("\n(Canceled)\n")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func dialConfig(c *cli.Context) (l2cap.DialConfig, error) {
	cfg := l2cap.DialConfig{
		Adapter: c.GlobalString("adapter"),
		Addr:    c.GlobalString("addr"),
	}
	if cfg.Addr == "" {
		return cfg, errors.New("missing --addr")
	}
	var err error
	if cfg.AddrType, err = l2cap.ParseAddrType(c.GlobalString("addr-type")); err != nil {
		return cfg, err
	}
	if cfg.Security, err = l2cap.ParseSecurityLevel(c.GlobalString("security")); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func sessionOptions(c *cli.Context) ([]session.Option, error) {
	opts := []session.Option{
		session.WithMTU(c.GlobalInt("mtu")),
		session.WithDebug(c.GlobalBool("debug")),
	}
	var filter []gatt.UUID
	for _, s := range c.GlobalStringSlice("service") {
		u, err := gatt.ParseUUID(s)
		if err != nil {
			return nil, errors.Wrapf(err, "service filter %q", s)
		}
		filter = append(filter, u)
	}
	if len(filter) > 0 {
		opts = append(opts, session.WithServiceFilter(filter...))
	}
	return opts, nil
}

// connect dials the device and waits for discovery to finish
func connect(ctx context.Context, c *cli.Context) (*session.Session, error) {
	cfg, err := dialConfig(c)
	if err != nil {
		return nil, err
	}
	opts, err := sessionOptions(c)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.GlobalDuration("timeout"))
	defer cancel()

	fmt.Printf("Connecting to %s ...\n", cfg.Addr)
	s, err := session.Dial(dialCtx, cfg, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "can't connect")
	}

	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return nil, errors.New("session closed during discovery")
			}
			ready, isReady := ev.(gatt.ReadyEvent)
			if !isReady {
				continue
			}
			if !ready.Success {
				s.Close()
				return nil, errors.Wrap(ready.Err, "discovery failed")
			}
			if ready.Err != nil {
				logger.Warn("CLI", "⚠️  %v", ready.Err)
			}
			return s, nil
		case <-dialCtx.Done():
			s.Close()
			return nil, errors.Wrap(dialCtx.Err(), "discovery")
		}
	}
}

// resolveHandle accepts a value handle (decimal or 0x-prefixed hex) or a
// characteristic UUID
func resolveHandle(db *gatt.Database, arg string) (uint16, error) {
	if v, err := strconv.ParseUint(arg, 0, 16); err == nil {
		return uint16(v), nil
	}
	u, err := gatt.ParseUUID(arg)
	if err != nil {
		return 0, errors.Errorf("%q is neither a handle nor a UUID", arg)
	}
	for _, svc := range db.Services() {
		if ch := svc.CharacteristicByUUID(u); ch != nil {
			return ch.ValueHandle, nil
		}
	}
	return 0, errors.Wrapf(gatt.ErrNotFound, "characteristic %s", u)
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	b, err := hex.DecodeString(s)
	return b, errors.Wrapf(err, "value %q", s)
}

func services(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := connect(withSigHandler(ctx, cancel), c)
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.Database().Snapshot()
	if err != nil {
		return err
	}
	fmt.Println(logger.ToJSON(snap))
	return nil
}

func read(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "read")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = withSigHandler(ctx, cancel)

	s, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	handle, err := resolveHandle(s.Database(), c.Args().First())
	if err != nil {
		return err
	}
	value, err := s.ReadValue(ctx, handle)
	if err != nil {
		return err
	}
	fmt.Printf("0x%04X: % X %q\n", handle, value, value)
	return nil
}

func write(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.ShowCommandHelp(c, "write")
	}
	value, err := parseHex(c.Args().Get(1))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = withSigHandler(ctx, cancel)

	s, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	handle, err := resolveHandle(s.Database(), c.Args().First())
	if err != nil {
		return err
	}
	mode := gatt.WriteWithResponse
	if c.Bool("no-response") {
		mode = gatt.WriteWithoutResponse
	}
	if err := s.WriteValue(ctx, handle, value, mode); err != nil {
		return err
	}
	fmt.Printf("0x%04X <- % X (%s)\n", handle, value, mode)
	return nil
}

func notify(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "notify")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = withSigHandler(ctx, cancel)

	s, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	handle, err := resolveHandle(s.Database(), c.Args().First())
	if err != nil {
		return err
	}
	values := make(chan gatt.Notification, 64)
	id, err := s.RegisterNotify(ctx, handle, values)
	if err != nil {
		return err
	}

	fmt.Printf("Listening on 0x%04X for %s...\n", handle, c.Duration("duration"))
	timer := time.NewTimer(c.Duration("duration"))
	defer timer.Stop()
	for {
		select {
		case n := <-values:
			kind := "notification"
			if n.Indication {
				kind = "indication"
			}
			fmt.Printf("%s 0x%04X: % X\n", kind, n.ValueHandle, n.Value)
		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			if disc, isDisc := ev.(gatt.DisconnectEvent); isDisc {
				return disc.Err
			}
		case <-timer.C:
			return s.UnregisterNotify(context.Background(), id)
		case <-ctx.Done():
			return s.UnregisterNotify(context.Background(), id)
		}
	}
}
