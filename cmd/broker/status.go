package main

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// statusMonitor polls the deployment status file. Writing "closed" to the
// file (by the deploy tooling) makes the instance refuse new sessions
// while existing ones drain; removing the file or writing anything else
// reopens it. With no file configured the instance always accepts.
type statusMonitor struct {
	path     string
	interval time.Duration
	closed   atomic.Bool
	stopCh   chan struct{}
}

func newStatusMonitor(path string, interval time.Duration) *statusMonitor {
	return &statusMonitor{
		path:     path,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// start begins polling. A nil path disables the monitor.
func (s *statusMonitor) start() {
	if s.path == "" {
		return
	}
	s.poll()
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.poll()
			}
		}
	}()
}

func (s *statusMonitor) stop() {
	close(s.stopCh)
}

func (s *statusMonitor) poll() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		// Missing file means open for business.
		if s.closed.Swap(false) {
			log.Printf("status file gone, accepting new connections again")
		}
		return
	}
	closed := strings.TrimSpace(string(data)) == "closed"
	if s.closed.Swap(closed) != closed {
		if closed {
			log.Printf("status file closed, refusing new connections")
		} else {
			log.Printf("status file reopened, accepting new connections")
		}
	}
}

// accepting reports whether new sessions may connect.
func (s *statusMonitor) accepting() bool {
	return !s.closed.Load()
}
