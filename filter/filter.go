// filter.go - outbound destination filtering
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

// Package filter implements the outbound destination filter: an allowlist
// of root domains, plus a record of the unknown hosts peers asked for so
// operators can review and promote them.
package filter

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/katzenpost/katzenpost/core/log"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/op/go-logging.v1"
)

// HostsStore is a line oriented host list persisted to a file.
type HostsStore struct {
	sync.Mutex

	log   *logging.Logger
	path  string
	hosts map[string]bool
}

// NewHostsStore loads (or creates) the host list at path.
func NewHostsStore(path string, logBackend *log.Backend) (*HostsStore, error) {
	h := &HostsStore{
		log:   logBackend.GetLogger("filter/hosts"),
		path:  path,
		hosts: make(map[string]bool),
	}

	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		host := strings.TrimSpace(scanner.Text())
		if host == "" || strings.HasPrefix(host, "#") {
			continue
		}
		h.hosts[strings.ToLower(host)] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	h.log.Debugf("Loaded %d hosts from %s", len(h.hosts), path)
	return h, nil
}

// Contains returns true if host is in the list.
func (h *HostsStore) Contains(host string) bool {
	h.Lock()
	defer h.Unlock()
	return h.hosts[strings.ToLower(host)]
}

// Append adds host to the list and persists it.
func (h *HostsStore) Append(host string) error {
	host = strings.ToLower(host)

	h.Lock()
	defer h.Unlock()
	if h.hosts[host] {
		return nil
	}
	h.hosts[host] = true

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(host + "\n")
	return err
}

// OutboundRequestFilter decides whether proxied connections to a remote
// address are permitted.
type OutboundRequestFilter struct {
	log *logging.Logger

	allowed *HostsStore
	unknown *HostsStore
}

// New creates an OutboundRequestFilter from an allowlist and an
// unknown-hosts store.
func New(allowed, unknown *HostsStore, logBackend *log.Backend) *OutboundRequestFilter {
	return &OutboundRequestFilter{
		log:     logBackend.GetLogger("filter"),
		allowed: allowed,
		unknown: unknown,
	}
}

// Check returns true if remoteAddr passes the allowlist.  Hosts that
// fail are recorded once in the unknown-hosts store for operator review.
func (f *OutboundRequestFilter) Check(remoteAddr string) bool {
	host := normalizeHost(remoteAddr)
	if host == "" {
		f.log.Warningf("Rejecting malformed remote address %q", remoteAddr)
		return false
	}

	if f.allowed.Contains(host) {
		return true
	}

	if !f.unknown.Contains(host) {
		if err := f.unknown.Append(host); err != nil {
			f.log.Warningf("Failed to record unknown host %q: %v", host, err)
		}
	}
	return false
}

// normalizeHost reduces a host:port to the unit the allowlist operates
// on: IPs verbatim, domains by their registrable root so allowing
// "example.com" also allows "www.example.com".
func normalizeHost(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return ""
	}

	if ip := net.ParseIP(host); ip != nil {
		return host
	}

	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Not reducible (single label, private suffix); match verbatim.
		return host
	}
	return root
}
