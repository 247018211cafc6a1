// stats.go - proxied traffic statistics
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

// Package stats aggregates proxied traffic statistics per remote host and
// periodically reports them, both as prometheus metrics and optionally as
// reports sent through the mix network.
package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixproxy/common"
)

var (
	proxiedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixproxy_proxied_bytes_total",
			Help: "Number of proxied bytes by direction.",
		},
		[]string{"direction"},
	)
)

// InitMetricsEndpoint exposes registered prometheus metrics over HTTP at
// addr.
func InitMetricsEndpoint(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

func directionLabel(d common.Direction) string {
	if d == common.DirectionRequest {
		return "request"
	}
	return "response"
}

// Report is one remote host's aggregate traffic over a reporting
// interval.
type Report struct {
	RemoteAddr    string
	RequestBytes  uint64
	ResponseBytes uint64
}

type hostCounters struct {
	requestBytes  uint64
	responseBytes uint64
}

// Collector aggregates per-remote traffic counts.  It is safe for
// concurrent use.
type Collector struct {
	sync.Mutex

	log   *logging.Logger
	hosts map[string]*hostCounters
}

// NewCollector creates an empty Collector.
func NewCollector(logBackend *log.Backend) *Collector {
	return &Collector{
		log:   logBackend.GetLogger("stats"),
		hosts: make(map[string]*hostCounters),
	}
}

// Record accounts byteCount bytes of proxied traffic for remoteAddr.
func (c *Collector) Record(remoteAddr string, byteCount uint32, direction common.Direction) {
	proxiedBytes.WithLabelValues(directionLabel(direction)).Add(float64(byteCount))

	c.Lock()
	defer c.Unlock()
	h, ok := c.hosts[remoteAddr]
	if !ok {
		h = &hostCounters{}
		c.hosts[remoteAddr] = h
	}
	switch direction {
	case common.DirectionRequest:
		h.requestBytes += uint64(byteCount)
	default:
		h.responseBytes += uint64(byteCount)
	}
}

// Snapshot returns the accumulated reports and resets the counters.
func (c *Collector) Snapshot() []Report {
	c.Lock()
	defer c.Unlock()

	reports := make([]Report, 0, len(c.hosts))
	for remote, h := range c.hosts {
		reports = append(reports, Report{
			RemoteAddr:    remote,
			RequestBytes:  h.requestBytes,
			ResponseBytes: h.responseBytes,
		})
	}
	c.hosts = make(map[string]*hostCounters)
	return reports
}

// SendFn delivers one serialized report batch; the provider wires this to
// the mix network transport.
type SendFn func([]byte) error

// Sender periodically snapshots a Collector and ships the reports.
type Sender struct {
	worker.Worker

	log       *logging.Logger
	collector *Collector
	interval  time.Duration
	send      SendFn
}

// NewSender creates a Sender and starts its worker.
func NewSender(collector *Collector, interval time.Duration, send SendFn, logBackend *log.Backend) *Sender {
	s := &Sender{
		log:       logBackend.GetLogger("stats/sender"),
		collector: collector,
		interval:  interval,
		send:      send,
	}
	s.Go(s.worker)
	return s
}

func (s *Sender) worker() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.HaltCh():
			s.log.Debugf("Terminating gracefully.")
			return
		case <-ticker.C:
		}

		reports := s.collector.Snapshot()
		if len(reports) == 0 {
			continue
		}
		b, err := cbor.Marshal(reports)
		if err != nil {
			s.log.Errorf("Failed to serialize statistics report: %v", err)
			continue
		}
		if err := s.send(b); err != nil {
			s.log.Errorf("Failed to send statistics report: %v", err)
		}
	}
}
