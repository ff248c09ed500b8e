//go:build !linux

package connectproxy

import (
	"github.com/function61/gokit/log/logex"
)

func setKeepAliveProbes(fd int, cfg KeepAlive, logger *logex.Leveled) {
	if cfg.Count > 0 || cfg.Interval > 0 {
		logger.Debug.Printf("keepalive probe tuning is not supported on this platform")
	}
}
