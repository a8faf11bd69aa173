// Package discovery advertises the HTTP API on the local network over
// mDNS so caregivers' tools can find the monitor without configuration.
package discovery

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/banshee-data/fallwatch/internal/monitoring"
	"github.com/banshee-data/fallwatch/internal/version"
)

const (
	ServiceType   = "_fallwatch._tcp"
	ServiceDomain = "local."
)

type server interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (server, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// Service is one mDNS advertisement.
type Service struct {
	mu       sync.Mutex
	instance string
	port     int
	register registerFunc
	server   server
}

// NewService advertises port under "<hostname>-fallwatch".
func NewService(port int) *Service {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return &Service{
		instance: hostname + "-fallwatch",
		port:     port,
		register: zeroconfRegister,
	}
}

// Instance returns the advertised instance name.
func (s *Service) Instance() string { return s.instance }

// TXT returns the records published with the service.
func (s *Service) TXT() []string {
	return []string{
		"version=" + version.Version,
		"path=/api/status",
		"events=/api/events",
	}
}

// Start registers the service. Calling Start twice is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}
	srv, err := s.register(s.instance, ServiceType, ServiceDomain, s.port, s.TXT(), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.server = srv
	monitoring.Logf("discovery: advertising %s.%s%s on port %d", s.instance, ServiceType, ServiceDomain, s.port)
	return nil
}

// Running reports whether the service is registered.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Stop withdraws the advertisement.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return
	}
	s.server.Shutdown()
	s.server = nil
	monitoring.Logf("discovery: stopped")
}
