package connectproxy

import (
	"net"
	"time"

	"github.com/function61/gokit/log/logex"
)

// KeepAlive configures TCP keep-alive probing on accepted and dialed
// sockets. A negative Idle disables keep-alive. Count and Interval are
// left at the system defaults when zero.
type KeepAlive struct {
	Idle     time.Duration `yaml:"idle"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
}

const defaultKeepAliveIdle = 30 * time.Second

func setKeepAlive(conn net.Conn, cfg KeepAlive, logger *logex.Leveled) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if cfg.Idle < 0 {
		return tcpConn.SetKeepAlive(false)
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	if cfg.Idle > 0 {
		if err := tcpConn.SetKeepAlivePeriod(cfg.Idle); err != nil {
			return err
		}
	}
	if cfg.Count == 0 && cfg.Interval == 0 {
		return nil
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}
	return rawConn.Control(func(fd uintptr) {
		setKeepAliveProbes(int(fd), cfg, logger)
	})
}
