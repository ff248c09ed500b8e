//go:build linux

package connectproxy

import (
	"github.com/function61/gokit/log/logex"
	"golang.org/x/sys/unix"
)

func setKeepAliveProbes(fd int, cfg KeepAlive, logger *logex.Leveled) {
	if cfg.Count > 0 {
		// number of probes
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, cfg.Count); err != nil {
			logger.Error.Printf("on setting keepalive probe count: %s", err.Error())
		}
	}
	if secs := int(cfg.Interval.Seconds()); secs > 0 {
		// wait time after an unsuccessful probe
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
			logger.Error.Printf("on setting keepalive retry interval: %s", err.Error())
		}
	}
}
