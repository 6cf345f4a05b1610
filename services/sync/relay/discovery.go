// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type relays register under.
const ServiceType = "_glyphsync._tcp"

// Endpoint is a relay found on the local network.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	Addrs    []string
}

// URL returns a websocket base URL for the endpoint, preferring the first
// advertised address over the host name.
func (e Endpoint) URL() string {
	host := e.Host
	if len(e.Addrs) > 0 {
		host = e.Addrs[0]
	}
	return fmt.Sprintf("ws://%s:%d", host, e.Port)
}

// advertise registers the relay until ctx is cancelled. Registration
// failures are logged and do not stop the relay.
func (s *Server) advertise(ctx context.Context, port int) error {
	server, err := zeroconf.Register(s.cfg.Instance, ServiceType, "local.", port,
		[]string{"txtv=1", "path=/v1/docs"}, nil)
	if err != nil {
		s.logger.Warn("mDNS registration failed", slog.String("error", err.Error()))
		return nil
	}
	s.logger.Info("mDNS service registered",
		slog.String("service", ServiceType),
		slog.Int("port", port),
	)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Discover browses the local network for relays for the given duration.
func Discover(ctx context.Context, wait time.Duration) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu  sync.Mutex
		out []Endpoint
	)
	go func() {
		for e := range entries {
			ep := Endpoint{Instance: e.Instance, Host: e.HostName, Port: e.Port}
			for _, ip := range e.AddrIPv4 {
				ep.Addrs = append(ep.Addrs, ip.String())
			}
			mu.Lock()
			out = append(out, ep)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mDNS browse: %w", err)
	}
	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return append([]Endpoint(nil), out...), nil
}
