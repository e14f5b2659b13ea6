// Command precached is the resident process-monitor and pre-caching
// daemon. Its bootstrap follows manager/main.go's shape: parse flags,
// load config, build a logger, build the engine, wait for a quit signal,
// shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hollowcore/precached/internal/daemon"
	"github.com/hollowcore/precached/internal/daemonconfig"
	"github.com/hollowcore/precached/internal/plog"
)

const defConfigLoc = "/etc/precached/precached.conf"

func main() {
	cfgFlag := flag.String("config", defConfigLoc, "path to precached.conf")
	flag.Parse()

	cfg, err := daemonconfig.Load(*cfgFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "precached: failed to load config %s: %v\n", *cfgFlag, err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()

	var log plog.Logger
	if cfg.Log_File != "" {
		log, err = plog.NewFile(cfg.Log_File, "precached")
		if err != nil {
			fmt.Fprintf(os.Stderr, "precached: failed to open log file %s: %v\n", cfg.Log_File, err)
			os.Exit(1)
		}
	} else {
		log = plog.New(os.Stderr, "precached")
	}
	if lvl, lerr := plog.LevelFromString(cfg.Log_Level); lerr == nil {
		if setter, ok := log.(interface{ SetLevel(plog.Level) }); ok {
			setter.SetLevel(lvl)
		}
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Criticalf("precached: failed to construct daemon: %v", err)
		os.Exit(1)
	}

	ok, err := d.AcquirePIDFile()
	if err != nil {
		log.Criticalf("precached: failed to acquire pid file: %v", err)
		os.Exit(1)
	}
	if !ok {
		log.Criticalf("precached: another instance is already running in %s", cfg.Run_Dir)
		os.Exit(1)
	}

	log.Infof("precached: starting, state_dir=%s rules_dir=%s", cfg.State_Dir, cfg.Rules_Dir)
	if err := d.Run(context.Background()); err != nil {
		log.Criticalf("precached: exited with error: %v", err)
		os.Exit(1)
	}
	log.Infof("precached: shutdown complete")
}
