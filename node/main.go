// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinymesh/api"
	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/host"
	"github.com/pingcap-incubator/tinymesh/service/inventory"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

func main() {
	cfg := config.NewConfig()
	err := cfg.Parse(os.Args[1:])

	if cfg.Version {
		host.PrintHostInfo()
		exit(0)
	}

	switch errors.Cause(err) {
	case nil:
	case flag.ErrHelp:
		exit(0)
	default:
		log.Fatal("parse cmd flags error", zap.Error(err))
	}

	if cfg.ConfigCheck {
		host.PrintConfigCheckMsg(cfg)
		exit(0)
	}

	err = cfg.SetupLogger()
	if err == nil {
		log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())
	} else {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	// Flushing any buffered log entries
	defer log.Sync()

	host.LogHostInfo()

	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}

	h := host.NewHost(cfg, api.NewHandler)
	if _, err = h.Build(cfg.Port, cfg.Gateways); err != nil {
		log.Fatal("build host failed", zap.Error(err))
	}
	h.Register(inventory.ServiceName, inventory.NewStore(nil).Factory())
	h.OnBuilt(func(h *host.Host) {
		log.Info("host is serving", zap.String("id", h.ID()), zap.Stringer("addr", h.Addr()))
	})

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(context.Background())
	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	if err = h.Run(ctx); err != nil {
		log.Fatal("run host failed", zap.Error(err))
	}
	log.Info("Got signal to exit", zap.Stringer("signal", sig))

	switch sig {
	case syscall.SIGTERM:
		exit(0)
	default:
		exit(1)
	}
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
