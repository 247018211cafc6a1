// main.go - Mixproxy service provider binary.
// Copyright (C) 2024  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/mixproxy/common"
	"github.com/katzenpost/mixproxy/config"
	"github.com/katzenpost/mixproxy/filter"
	"github.com/katzenpost/mixproxy/replystore"
	"github.com/katzenpost/mixproxy/server"
	"github.com/katzenpost/mixproxy/stats"
	"github.com/katzenpost/mixproxy/wstransport"
)

func main() {
	cfgFile := flag.String("f", "mixproxy.toml", "Path to the config file.")
	flag.Parse()

	syscall.Umask(0077)

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config file '%v': %v\n", *cfgFile, err)
		os.Exit(-1)
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}
	logBackend, err := log.New(logFile, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(-1)
	}
	logger := logBackend.GetLogger("mixproxyd")

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	store, err := replystore.New(cfg.StoreFile(), replystore.PoolThresholds{
		MinSurbThreshold: cfg.Store.MinSurbThreshold,
		MaxSurbThreshold: cfg.Store.MaxSurbThreshold,
	}, logBackend)
	if err != nil {
		logger.Fatalf("Failed to open reply credential store: %v", err)
	}
	defer store.Close()

	var outFilter server.Filter
	if !cfg.Proxy.OpenProxy {
		allowed, err := filter.NewHostsStore(cfg.AllowedHostsFile(), logBackend)
		if err != nil {
			logger.Fatalf("Failed to load allowed hosts list: %v", err)
		}
		unknown, err := filter.NewHostsStore(cfg.UnknownHostsFile(), logBackend)
		if err != nil {
			logger.Fatalf("Failed to load unknown hosts list: %v", err)
		}
		outFilter = filter.New(allowed, unknown, logBackend)
	}

	transport, err := wstransport.Dial(context.Background(), cfg.Client.WebsocketAddress, logBackend)
	if err != nil {
		logger.Fatalf("Failed to connect to the mix client daemon at %v: %v", cfg.Client.WebsocketAddress, err)
	}
	defer transport.Close()
	logger.Noticef("Connected to the mix network as %v", transport.Address())

	var collector *stats.Collector
	if cfg.Stats.Enable {
		collector = stats.NewCollector(logBackend)
		if cfg.Stats.MetricsAddress != "" {
			stats.InitMetricsEndpoint(cfg.Stats.MetricsAddress)
		}
	}

	svr, err := server.New(cfg, transport, store, outFilter, statsOrNil(collector), logBackend)
	if err != nil {
		logger.Fatalf("Failed to spawn provider instance: %v", err)
	}
	defer svr.Shutdown()
	transport.SetLaneSink(svr.LaneQueueLengths())

	var sender *stats.Sender
	if collector != nil && cfg.Stats.ProviderAddress != "" {
		recipient, err := hex.DecodeString(cfg.Stats.ProviderAddress)
		if err != nil || len(recipient) != common.RecipientLength {
			logger.Fatalf("Malformed statistics provider address: %v", cfg.Stats.ProviderAddress)
		}
		sendFn := func(payload []byte) error {
			m := &common.Message{
				Type:    common.StatsReportMessage,
				Payload: payload,
			}
			b, err := m.Marshal()
			if err != nil {
				return err
			}
			return transport.SendMessage(&common.OutgoingMessage{
				Recipient: recipient,
				Payload:   b,
			})
		}
		sender = stats.NewSender(collector, time.Duration(cfg.Stats.Interval)*time.Second, sendFn, logBackend)
		defer sender.Halt()
	}

	// Halt gracefully on SIGINT/SIGTERM.  The transport is closed first to
	// unblock the provider's receive loop.
	var shutdownRequested atomic.Bool
	go func() {
		<-haltCh
		logger.Noticef("Terminating gracefully")
		shutdownRequested.Store(true)
		transport.Close()
		svr.Shutdown()
	}()

	svr.Wait()
	if err := svr.Err(); err != nil && !shutdownRequested.Load() {
		logger.Errorf("Terminated abnormally: %v", err)
		os.Exit(-1)
	}
}

// statsOrNil avoids handing the provider a typed-nil StatsCollector.
func statsOrNil(c *stats.Collector) server.StatsCollector {
	if c == nil {
		return nil
	}
	return c
}
