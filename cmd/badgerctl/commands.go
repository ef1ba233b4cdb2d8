package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aleksclark/badgerlink/internal/badge"
	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/aleksclark/badgerlink/internal/config"
	"github.com/aleksclark/badgerlink/internal/mqttbridge"
	"github.com/aleksclark/badgerlink/internal/packer"
	"github.com/aleksclark/badgerlink/internal/page"
	"github.com/aleksclark/badgerlink/internal/protocol"
	"github.com/aleksclark/badgerlink/internal/server"
	"github.com/aleksclark/badgerlink/internal/sysinfo"
	"github.com/rs/zerolog/log"
)

const simulatedPort = "simulated"

type app struct {
	cfg *config.Instance
	out io.Writer
}

// deviceFlags are shared by every command that talks to the badge.
type deviceFlags struct {
	fs       *flag.FlagSet
	port     *string
	simulate *string
	debug    *bool
	noDither *bool
	thresh   *int
}

func (a *app) addDeviceFlags(fs *flag.FlagSet) *deviceFlags {
	dev := a.cfg.Device()
	img := a.cfg.Image()
	return &deviceFlags{
		fs:       fs,
		port:     fs.String("port", dev.Port, "serial port to use instead of discovery"),
		simulate: fs.String("simulate", "", "send to a simulated badge and write what it shows to this PNG file"),
		debug:    fs.Bool("debug", dev.DebugCommand, "prefix the command with debug:"),
		noDither: fs.Bool("no-dither", !img.Dither, "threshold without dithering"),
		thresh:   fs.Int("threshold", img.Threshold, "luminance threshold for white, 0-255; needs -no-dither"),
	}
}

func (f *deviceFlags) prepareOptions() (codec.PrepareOptions, error) {
	if *f.thresh < 0 || *f.thresh > 255 {
		return codec.PrepareOptions{}, fmt.Errorf("threshold %d out of range 0-255", *f.thresh)
	}
	opts := codec.DefaultPrepareOptions()
	opts.Threshold = uint8(*f.thresh)
	opts.Dither = !*f.noDither
	if opts.Dither && f.isSet("threshold") {
		return codec.PrepareOptions{}, errors.New("-threshold has no effect while dithering; add -no-dither")
	}
	return opts, nil
}

func (f *deviceFlags) isSet(name string) bool {
	set := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

func (a *app) badgeConfig(port string) badge.Config {
	dev := a.cfg.Device()
	cfg := badge.DefaultConfig()
	cfg.Product = dev.Product
	cfg.VendorID = dev.VendorID
	cfg.Port = port
	cfg.AcceptAny = cfg.AcceptAny || dev.AcceptAny
	if dev.BaudRate > 0 {
		cfg.BaudRate = dev.BaudRate
	}
	if d := dev.OpenTimeoutDuration(); d > 0 {
		cfg.OpenTimeout = d
	}
	if d := dev.PermissionTimeoutDuration(); d > 0 {
		cfg.PermissionTimeout = d
	}
	return cfg
}

// newSender returns a sender for the real badge, or for a simulated one
// when simulate is set.
func (a *app) newSender(f *deviceFlags) (*badge.Sender, *badge.Simulated) {
	if *f.simulate == "" {
		return badge.NewSender(a.badgeConfig(*f.port)), nil
	}
	sim := badge.NewSimulated(simulatedPort)
	return badge.NewSender(a.badgeConfig(""), badge.WithSimulated(sim)), sim
}

func (a *app) deliver(ctx context.Context, f *deviceFlags, bm *codec.Bitmap) error {
	encoded, err := packer.EncodeBitmap(bm)
	if err != nil {
		return err
	}
	sender, sim := a.newSender(f)
	res := sender.SendPayload(ctx, protocol.Preview(encoded, *f.debug))
	if !res.OK() {
		return res.Err
	}
	_, _ = fmt.Fprintln(a.out, res.String())

	if sim == nil {
		return nil
	}
	shown, err := sim.LastPreview()
	if err != nil {
		return err
	}
	return writePNG(*f.simulate, shown.Image())
}

func writePNG(path string, img image.Image) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(fh, img); err != nil {
		_ = fh.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return fh.Close()
}

func (a *app) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	all, matched, err := badge.NewSender(a.badgeConfig("")).Discover()
	if err != nil {
		return err
	}
	candidate := make(map[string]bool, len(matched))
	for _, d := range matched {
		candidate[d.Name] = true
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\tPORT\tPRODUCT\tVID:PID\tSERIAL")
	for _, d := range all {
		mark := ""
		if candidate[d.Name] {
			mark = "*"
		}
		ids := ""
		if d.VID != "" || d.PID != "" {
			ids = d.VID + ":" + d.PID
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, d.Name, d.Product, ids, d.SerialNumber)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(matched) == 0 {
		_, _ = fmt.Fprintf(a.out, "no %q badge found\n", a.cfg.Device().Product)
	}
	return nil
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	df := a.addDeviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: send takes one image path", errUsage)
	}
	opts, err := df.prepareOptions()
	if err != nil {
		return err
	}

	data, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	img, err := codec.DecodeBytes(data)
	if err != nil {
		return err
	}
	bm, err := codec.Prepare(img, opts)
	if err != nil {
		return err
	}
	return a.deliver(ctx, df, bm)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

func fontFlag(fs *flag.FlagSet) *string {
	return fs.String("font", "", "TrueType font file (default: first common system font)")
}

func fonts(path string) page.FontConfig {
	fc := page.DefaultFontConfig()
	if path != "" {
		fc.Path = path
	}
	return fc
}

func (a *app) text(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("text", flag.ContinueOnError)
	df := a.addDeviceFlags(fs)
	font := fontFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("%w: text needs a title", errUsage)
	}
	opts, err := df.prepareOptions()
	if err != nil {
		return err
	}

	img := page.Text(fonts(*font), fs.Arg(0), fs.Args()[1:])
	bm, err := codec.Prepare(img, opts)
	if err != nil {
		return err
	}
	return a.deliver(ctx, df, bm)
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	df := a.addDeviceFlags(fs)
	font := fontFlag(fs)
	every := fs.Duration("every", 0, "keep refreshing at this interval, only updating the badge when the page changes")
	top := fs.Int("top", 3, "number of process groups to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := df.prepareOptions()
	if err != nil {
		return err
	}

	fc := fonts(*font)
	source := func(ctx context.Context) (image.Image, error) {
		snap, err := sysinfo.Collect(ctx, time.Second, *top)
		if err != nil {
			return nil, err
		}
		return page.Status(fc, snap), nil
	}
	push := func(ctx context.Context, bm *codec.Bitmap) error {
		return a.deliver(ctx, df, bm)
	}

	r := page.NewRefresher(source, push, opts, *every, nil)
	if *every <= 0 {
		_, err := r.Refresh(ctx)
		return err
	}
	return r.Run(ctx)
}

func (a *app) serve(ctx context.Context, args []string) error {
	srvCfg := a.cfg.Server()
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", srvCfg.Listen, "address to listen on")
	noBadge := fs.Bool("no-badge", false, "disable /api/badge/preview")
	df := a.addDeviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var sender server.Sender
	if !*noBadge {
		s, _ := a.newSender(df)
		sender = s
	}
	srv := server.New(server.Config{
		Listen:       *listen,
		MaxBodyBytes: srvCfg.MaxBodyBytes,
		PreviewRate:  srvCfg.PreviewRate,
		PreviewBurst: srvCfg.PreviewBurst,
		DebugCommand: *df.debug,
	}, sender)
	return srv.ListenAndServe(ctx)
}

func (a *app) mqtt(ctx context.Context, args []string) error {
	mc := a.cfg.MQTT()
	fs := flag.NewFlagSet("mqtt", flag.ContinueOnError)
	broker := fs.String("broker", mc.Broker, "broker address, host:port or mqtt[s]://host:port")
	topic := fs.String("topic", mc.Topic, "topic carrying image files")
	df := a.addDeviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := df.prepareOptions()
	if err != nil {
		return err
	}

	sender, _ := a.newSender(df)
	bridge := mqttbridge.New(mqttbridge.Config{
		Broker:       *broker,
		Topic:        *topic,
		ClientID:     mc.ClientID,
		Username:     mc.Username,
		Password:     mc.Password,
		Prepare:      opts,
		DebugCommand: *df.debug,
	}, sender)
	log.Info().Str("broker", *broker).Str("topic", *topic).Msg("forwarding mqtt images to badge")
	return bridge.Run(ctx)
}
