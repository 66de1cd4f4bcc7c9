package logging

import (
	"fmt"
	"log/syslog"
)

// SyslogConfig configures remote log shipping, the greyd equivalent of
// piping the out-of-scope greylogd companion's stream to a central
// collector.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns the disabled-by-default configuration with
// the same defaults the rest of the stack assumes once enabled.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "greyd",
		Facility: syslog.LOG_DAEMON,
	}
}

// NewSyslogWriter dials the configured syslog endpoint and returns a writer
// suitable for Config.Output.
func NewSyslogWriter(cfg SyslogConfig) (*syslog.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "greyd"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return syslog.Dial(cfg.Protocol, addr, cfg.Facility|syslog.LOG_INFO, cfg.Tag)
}
