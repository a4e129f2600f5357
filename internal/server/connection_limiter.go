// Package server implements the Session Runtime (SR): the admission gate,
// idle/total timeout connection wrapper, and per-connection session base
// shared by the SMTP and POP3 server engines.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailstack/mailstack/internal/logger"
)

// ConnectionLimiter is SR's admission gate: it rejects a new connection
// synchronously, before any handshake, once the total or per-IP limit is
// reached.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	protocol         string
	trustedNets      []*net.IPNet
}

// NewConnectionLimiter creates an admission gate for the given protocol name
// (used only in log lines).
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int, trustedCIDRs []string) *ConnectionLimiter {
	nets, err := ParseTrustedNetworks(trustedCIDRs)
	if err != nil {
		logger.Warn("connection limiter: failed to parse trusted networks", "protocol", protocol, "error", err)
		nets = nil
	}
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		protocol:         protocol,
		trustedNets:      nets,
	}
}

func (cl *ConnectionLimiter) isTrusted(remoteAddr net.Addr) bool {
	if len(cl.trustedNets) == 0 {
		return false
	}
	ip := addrIP(remoteAddr)
	if ip == nil {
		return false
	}
	for _, n := range cl.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func addrIP(a net.Addr) net.IP {
	switch addr := a.(type) {
	case *net.TCPAddr:
		return addr.IP
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return net.ParseIP(a.String())
		}
		return net.ParseIP(host)
	}
}

func ipKey(remoteAddr net.Addr) string {
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String()
	}
	return host
}

// CanAccept reports whether a new connection from remoteAddr may be admitted,
// without registering it.
func (cl *ConnectionLimiter) CanAccept(remoteAddr net.Addr) error {
	if cl.maxConnections > 0 {
		if cl.currentTotal.Load() >= int64(cl.maxConnections) {
			return fmt.Errorf("maximum connections reached (%d/%d)", cl.currentTotal.Load(), cl.maxConnections)
		}
	}
	if cl.maxPerIP > 0 && !cl.isTrusted(remoteAddr) {
		ip := ipKey(remoteAddr)
		cl.mu.RLock()
		counter, ok := cl.perIPConnections[ip]
		cl.mu.RUnlock()
		if ok && counter.Load() >= int64(cl.maxPerIP) {
			return fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, counter.Load(), cl.maxPerIP)
		}
	}
	return nil
}

// Accept registers a connection, returning a release closure the caller must
// invoke exactly once when the connection ends.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if err := cl.CanAccept(remoteAddr); err != nil {
		return nil, err
	}

	trusted := cl.isTrusted(remoteAddr)
	ip := ipKey(remoteAddr)
	total := cl.currentTotal.Add(1)

	var counter *atomic.Int64
	if cl.maxPerIP > 0 && !trusted {
		cl.mu.Lock()
		var ok bool
		counter, ok = cl.perIPConnections[ip]
		if !ok {
			counter = &atomic.Int64{}
			cl.perIPConnections[ip] = counter
		}
		cl.mu.Unlock()
		counter.Add(1)
	}
	logger.Debug("connection limiter: accepted", "protocol", cl.protocol, "ip", ip, "total", total, "max_total", cl.maxConnections)

	return func() {
		cl.currentTotal.Add(-1)
		if counter != nil {
			remaining := counter.Add(-1)
			if remaining <= 0 {
				cl.mu.Lock()
				if counter.Load() <= 0 {
					delete(cl.perIPConnections, ip)
				}
				cl.mu.Unlock()
			}
		}
	}, nil
}

// StartCleanup periodically evicts stale per-IP counters.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
		}
	}
}

// Stats reports a snapshot of admission-gate counters.
type Stats struct {
	TotalConnections int64
	MaxConnections   int64
}

func (cl *ConnectionLimiter) Stats() Stats {
	return Stats{TotalConnections: cl.currentTotal.Load(), MaxConnections: int64(cl.maxConnections)}
}

// ParseTrustedNetworks parses CIDRs (or bare IPs, auto-subnetted) into
// matchable networks.
func ParseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network %q", c)
			}
			suffix := "/32"
			if ip.To4() == nil {
				suffix = "/128"
			}
			_, n, err = net.ParseCIDR(c + suffix)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted network %q: %w", c, err)
			}
		}
		nets = append(nets, n)
	}
	return nets, nil
}
