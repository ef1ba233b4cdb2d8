// Command badgerctl sends images, text and host status pages to a Badger
// 2040 e-paper badge over USB serial.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aleksclark/badgerlink/internal/config"
	"github.com/aleksclark/badgerlink/internal/logging"
	"github.com/rs/zerolog/log"
)

const usageText = `usage: badgerctl [-config file] [-verbose] <command> [flags] [args]

commands:
  list                     list serial devices and badge candidates
  send [flags] <image|->   send a PNG, JPEG, GIF or BMP image
  text [flags] <title> [line...]
                           render and send a text page
  status [flags]           render and send a host status page
  serve [flags]            run the HTTP transform server
  mqtt [flags]             forward images from an MQTT topic

Run "badgerctl <command> -h" for command flags.
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	global := flag.NewFlagSet("badgerctl", flag.ContinueOnError)
	cfgPath := global.String("config", "", "path to config file (default "+config.DefaultDir()+"/"+config.CfgFile+")")
	verbose := global.Bool("verbose", false, "enable debug logging")
	global.Usage = func() { _, _ = fmt.Fprint(global.Output(), usageText) }
	if err := global.Parse(args); err != nil {
		return err
	}

	if err := logging.Init(*verbose, ""); err != nil {
		return err
	}
	cfg, err := config.NewConfig(*cfgPath, config.DefaultDir(), config.BaseDefaults)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(*verbose || cfg.DebugLogging(), cfg.LogFile()); err != nil {
		return err
	}
	log.Debug().Str("path", cfg.Path()).Msg("config loaded")

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, out: out}
	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "list":
		return a.list(cmdArgs)
	case "send":
		return a.send(ctx, cmdArgs)
	case "text":
		return a.text(ctx, cmdArgs)
	case "status":
		return a.status(ctx, cmdArgs)
	case "serve":
		return a.serve(ctx, cmdArgs)
	case "mqtt":
		return a.mqtt(ctx, cmdArgs)
	default:
		global.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}
