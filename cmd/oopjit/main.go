// Command oopjit runs the out-of-process JIT compiler server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dc0d/onexit"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/oopjit/config"
	"github.com/chazu/oopjit/server"
)

func main() {
	configPath := flag.String("config", "", "Path to oopjit.toml (default: search upward from the working directory)")
	addr := flag.String("addr", "", "Listen address, overriding server.addr")
	verbose := flag.Int("v", 0, "Log verbosity, overriding log.verbosity (1 info, 2 debug)")
	inProcess := flag.Bool("in-process", false, "Allocate boxed numbers straight from the heap")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: oopjit [options]\n\n")
		fmt.Fprintf(os.Stderr, "Serves JIT compilations for host processes over Connect.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  oopjit                          # Serve with ./oopjit.toml or defaults\n")
		fmt.Fprintf(os.Stderr, "  oopjit -addr :7420 -v 1         # Serve on :7420 with info logging\n")
		fmt.Fprintf(os.Stderr, "  oopjit -config /etc/oopjit.toml # Use an explicit config file\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			cfg.Log.Verbosity = *verbose
		}
	})
	if *inProcess {
		cfg.Server.InProcess = true
	}

	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, logFile)
	log := commonlog.GetLogger("oopjit")

	if cfg.Path != "" {
		stop, err := config.Watch(cfg.Path, func(c *config.Config) {
			commonlog.SetMaxLevel(commonlog.VerbosityToMaxLevel(c.Log.Verbosity))
			log.Noticef("reloaded %s: verbosity %d", c.Path, c.Log.Verbosity)
		})
		if err != nil {
			log.Warningf("watch %s: %s", cfg.Path, err)
		} else {
			defer stop()
		}
	}

	srv := server.New(cfg)
	onexit.Register(srv.Close)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}

// loadConfig reads path, or searches upward from the working directory
// when path is empty. Defaults are used when no file is found.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}
