// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/grnet/tapresponderd/config"
	"github.com/grnet/tapresponderd/internal/binding"
	"github.com/grnet/tapresponderd/internal/daemon"
	"github.com/grnet/tapresponderd/internal/ifinfo"
	"github.com/grnet/tapresponderd/logger"
)

var (
	flagConfig     = pflag.StringP("config", "c", "/etc/tapresponderd/tapresponderd.yaml", "Path to the configuration file")
	flagDebug      = pflag.BoolP("debug", "d", false, "Enable debug-level logging")
	flagForeground = pflag.BoolP("foreground", "f", false, "Keep logging to stdout/stderr instead of logging only to file")
)

func main() {
	pflag.Parse()

	log := logger.GetLogger("main")
	if *flagDebug {
		log.Logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if cfg.General.LogDir != "" {
		logfile := filepath.Join(cfg.General.LogDir, "tapresponderd.log")
		logger.WithFile(log, logfile)
	}
	if !*flagForeground {
		logger.WithNoStdOutErr(log)
	}

	resolver := ifinfo.Resolver{}
	store := binding.New(cfg.General.DataPath, binding.ByIfindex, resolver)
	store.Rebuild()

	watcher, err := binding.NewWatcher(store)
	if err != nil {
		log.Fatalf("failed to watch %s: %v", cfg.General.DataPath, err)
	}

	d, err := daemon.New(cfg, store, watcher, resolver)
	if err != nil {
		watcher.Close()
		log.Fatalf("failed to initialize: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	log.Infof("tapresponderd starting, data path %s", cfg.General.DataPath)
	if err := d.Run(ctx); err != nil {
		log.Fatalf("event loop exited with error: %v", err)
	}
	log.Info("exiting")
	os.Exit(0)
}
