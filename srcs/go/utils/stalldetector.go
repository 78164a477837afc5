package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

const stallReportPeriod = 3 * time.Second

type stallDetector struct {
	name    string
	w       io.Writer
	tk      *time.Ticker
	stopped chan struct{}
	done    chan struct{}
}

// InstallStallDetector reports to stderr every few seconds until Stop is called.
// It is used to locate collectives that never complete.
func InstallStallDetector(name string) *stallDetector {
	return installStallDetector(name, os.Stderr, stallReportPeriod)
}

func installStallDetector(name string, w io.Writer, period time.Duration) *stallDetector {
	s := &stallDetector{
		name:    name,
		w:       w,
		tk:      time.NewTicker(period),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.start()
	return s
}

func (s *stallDetector) start() {
	defer close(s.done)
	t0 := time.Now()
	var hasStalled bool
	for {
		select {
		case <-s.tk.C:
			hasStalled = true
			fmt.Fprintf(s.w, "%s stalled for %s\n", s.name, time.Since(t0))
		case <-s.stopped:
			if hasStalled {
				fmt.Fprintf(s.w, "%s recovered after %s\n", s.name, time.Since(t0))
			}
			return
		}
	}
}

func (s *stallDetector) Stop() {
	s.tk.Stop()
	close(s.stopped)
	<-s.done
}
