// Token bucket rate limiting for the event-ingress API.
package limiter

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hirosystems/chainhook-indexer/internal/logger"
	"github.com/hirosystems/chainhook-indexer/pkg/config"
	"golang.org/x/time/rate"
)

// RateLimiter provides multi-tier rate limiting
type RateLimiter struct {
	config      config.RateLimiterConfig
	log         *logger.Logger

	// IP-based limiters
	ipLimiters  map[string]*rate.Limiter
	ipMutex     sync.RWMutex

	// Source-node-based limiters
	nodeLimiters map[string]*rate.Limiter
	nodeMutex    sync.RWMutex

	// Global limiter
	globalLimiter *rate.Limiter

	// Cleanup
	cleanupInterval time.Duration
	stopChan        chan struct{}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimiterConfig, log *logger.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:       cfg,
		log:          log,
		ipLimiters:   make(map[string]*rate.Limiter),
		nodeLimiters: make(map[string]*rate.Limiter),
		globalLimiter: rate.NewLimiter(
			rate.Limit(cfg.GlobalLimit),
			int(float64(cfg.GlobalLimit)*cfg.BurstMultiplier),
		),
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
	}

	// Start cleanup goroutine
	go rl.cleanupStale()

	return rl
}

// CheckIP checks if request from IP is allowed
func (rl *RateLimiter) CheckIP(ip string) (bool, error) {
	if !rl.config.Enabled {
		return true, nil
	}

	// Check global limit first (early reject)
	if !rl.globalLimiter.Allow() {
		return false, fmt.Errorf("global rate limit exceeded")
	}

	// Get or create IP limiter
	limiter := rl.getIPLimiter(ip)

	if !limiter.Allow() {
		rl.log.WithField("ip", ip).Warn("IP rate limit exceeded")
		return false, fmt.Errorf("IP rate limit exceeded")
	}

	return true, nil
}

// CheckNodeID checks if request from a source node ID is allowed
func (rl *RateLimiter) CheckNodeID(nodeID string) (bool, error) {
	if !rl.config.Enabled {
		return true, nil
	}

	// Check global limit first
	if !rl.globalLimiter.Allow() {
		return false, fmt.Errorf("global rate limit exceeded")
	}

	// Get or create node limiter
	limiter := rl.getNodeLimiter(nodeID)

	if !limiter.Allow() {
		rl.log.WithField("node_id", nodeID).Warn("Node rate limit exceeded")
		return false, fmt.Errorf("node rate limit exceeded")
	}

	return true, nil
}

// CheckRequest checks both IP and global limits for an HTTP request
func (rl *RateLimiter) CheckRequest(remoteAddr string) (bool, error) {
	if !rl.config.Enabled {
		return true, nil
	}

	// Extract IP from remote address
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// If no port, assume it's just the IP
		ip = remoteAddr
	}

	return rl.CheckIP(ip)
}

// getIPLimiter gets or creates limiter for IP
func (rl *RateLimiter) getIPLimiter(ip string) *rate.Limiter {
	rl.ipMutex.RLock()
	limiter, exists := rl.ipLimiters[ip]
	rl.ipMutex.RUnlock()

	if exists {
		return limiter
	}

	// Create new limiter
	rl.ipMutex.Lock()
	defer rl.ipMutex.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.ipLimiters[ip]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(
		rate.Limit(rl.config.IPLimit),
		int(float64(rl.config.IPLimit)*rl.config.BurstMultiplier),
	)
	rl.ipLimiters[ip] = limiter

	return limiter
}

// getNodeLimiter gets or creates limiter for a source node ID
func (rl *RateLimiter) getNodeLimiter(nodeID string) *rate.Limiter {
	rl.nodeMutex.RLock()
	limiter, exists := rl.nodeLimiters[nodeID]
	rl.nodeMutex.RUnlock()

	if exists {
		return limiter
	}

	// Create new limiter
	rl.nodeMutex.Lock()
	defer rl.nodeMutex.Unlock()

	// Double-check
	if limiter, exists := rl.nodeLimiters[nodeID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(
		rate.Limit(rl.config.NodeIDLimit),
		int(float64(rl.config.NodeIDLimit)*rl.config.BurstMultiplier),
	)
	rl.nodeLimiters[nodeID] = limiter

	return limiter
}

// cleanupStale removes inactive limiters periodically
func (rl *RateLimiter) cleanupStale() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopChan:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	// Clean IP limiters
	rl.ipMutex.Lock()
	for ip, limiter := range rl.ipLimiters {
		// Remove if limiter hasn't been used (has full tokens)
		if limiter.Tokens() == float64(limiter.Burst()) {
			delete(rl.ipLimiters, ip)
		}
	}
	ipCount := len(rl.ipLimiters)
	rl.ipMutex.Unlock()

	// Clean node limiters
	rl.nodeMutex.Lock()
	for nodeID, limiter := range rl.nodeLimiters {
		if limiter.Tokens() == float64(limiter.Burst()) {
			delete(rl.nodeLimiters, nodeID)
		}
	}
	nodeCount := len(rl.nodeLimiters)
	rl.nodeMutex.Unlock()

	rl.log.WithField("ip_limiters", ipCount).
		WithField("node_limiters", nodeCount).
		Debug("Rate limiter cleanup completed")
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopChan)
}

// Stats returns current rate limiter statistics
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.ipMutex.RLock()
	ipCount := len(rl.ipLimiters)
	rl.ipMutex.RUnlock()

	rl.nodeMutex.RLock()
	nodeCount := len(rl.nodeLimiters)
	rl.nodeMutex.RUnlock()

	return map[string]interface{}{
		"enabled":        rl.config.Enabled,
		"ip_limiters":    ipCount,
		"node_limiters":  nodeCount,
		"global_limit":   rl.config.GlobalLimit,
		"ip_limit":       rl.config.IPLimit,
		"node_id_limit":  rl.config.NodeIDLimit,
	}
}
