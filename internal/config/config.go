// Package config loads and validates greyd's HCL configuration: the root
// greeting settings plus the grey, sync, firewall and database blocks
// named in spec §6's configuration table.
package config

import "time"

// Config is the top-level greyd configuration.
type Config struct {
	Hostname   string `hcl:"hostname,optional"`
	Banner     string `hcl:"banner,optional"`
	LowPrioMX  []string `hcl:"low_prio_mx,optional"`

	Grey      GreyConfig      `hcl:"grey,block"`
	Sync      SyncConfig      `hcl:"sync,block"`
	Firewall  FirewallConfig  `hcl:"firewall,block"`
	Database  DatabaseConfig  `hcl:"database,block"`

	Blacklists []BlacklistConfig `hcl:"blacklist,block"`
}

// GreyConfig is the `grey` block: greylisting lifetimes and domain policy.
type GreyConfig struct {
	Enable            bool     `hcl:"enable,optional"`
	PassTime          string   `hcl:"pass_time,optional"`
	GreyExpiry        string   `hcl:"grey_expiry,optional"`
	WhiteExp          string   `hcl:"white_exp,optional"`
	TrapExpiry        string   `hcl:"trap_expiry,optional"`
	Stutter           string   `hcl:"stutter,optional"`
	TraplistName      string   `hcl:"traplist_name,optional"`
	TraplistMessage   string   `hcl:"traplist_message,optional"`
	PermittedDomains  []string `hcl:"permitted_domains,optional"`
	DBPermittedDomains bool    `hcl:"db_permitted_domains,optional"`
}

// SyncConfig is the `sync` block: replication to peer greyd instances.
type SyncConfig struct {
	Enable       bool     `hcl:"enable,optional"`
	Port         int      `hcl:"port,optional"`
	TTL          int      `hcl:"ttl,optional"`
	Hosts        []string `hcl:"hosts,optional"`
	BindAddress  string   `hcl:"bind_address,optional"`
	MCastAddress string   `hcl:"mcast_address,optional"`
	Iface        string   `hcl:"iface,optional"`
	Key          string   `hcl:"key,optional"`
	Verify       bool     `hcl:"verify,optional"`
}

// FirewallConfig is the `firewall` block: driver dispatch and caps.
type FirewallConfig struct {
	Driver   string `hcl:"driver,optional"`
	Table    string `hcl:"table,optional"`
	MaxBlack int    `hcl:"max_black,optional"`
	MaxCons  int    `hcl:"max_cons,optional"`
}

// DatabaseConfig is the `database` block: storage back-end selection.
type DatabaseConfig struct {
	Driver string `hcl:"driver,optional"`
	Path   string `hcl:"path,optional"`
	DBName string `hcl:"db_name,optional"`
	Host   string `hcl:"host,optional"`
	Port   int    `hcl:"port,optional"`
	User   string `hcl:"user,optional"`
	Pass   string `hcl:"pass,optional"`
}

// BlacklistConfig is one labeled `blacklist "name" { ... }` block (spec §3
// Blacklist type). Entries may come from an inline cidrs list, a file
// (one CIDR per line), or both.
type BlacklistConfig struct {
	Name    string   `hcl:"name,label"`
	Message string   `hcl:"message,optional"`
	Code    int      `hcl:"code,optional"`
	CIDRs   []string `hcl:"cidrs,optional"`
	File    string   `hcl:"file,optional"`
}

// Durations resolved from the grey block's string fields, with spec
// defaults applied where a key is omitted.
type GreyDurations struct {
	PassTime   time.Duration
	GreyExpiry time.Duration
	WhiteExp   time.Duration
	TrapExpiry time.Duration
	Stutter    time.Duration
}

// Default values applied when the corresponding key is absent, per the
// reference implementation's compiled-in defaults.
const (
	DefaultPassTime   = 300 * time.Second
	DefaultGreyExpiry = 4 * time.Hour
	DefaultWhiteExp   = 30 * 24 * time.Hour
	DefaultTrapExpiry = 24 * time.Hour
	DefaultStutter    = 10 * time.Second
	DefaultHostname   = "localhost"
	DefaultBanner     = "220 All your SMTP are belong to us."
	DefaultMaxCons    = 800
	DefaultMaxBlack   = 400
)

// Default returns a zero-valued Config with every compile-time default
// applied by applyDefaults.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every zero-valued optional field with the reference
// implementation's compiled-in default, the way config.Canonicalize does
// in the teacher's loader.
func (c *Config) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.Banner == "" {
		c.Banner = DefaultBanner
	}

	if c.Grey.PassTime == "" {
		c.Grey.PassTime = DefaultPassTime.String()
	}
	if c.Grey.GreyExpiry == "" {
		c.Grey.GreyExpiry = DefaultGreyExpiry.String()
	}
	if c.Grey.WhiteExp == "" {
		c.Grey.WhiteExp = DefaultWhiteExp.String()
	}
	if c.Grey.TrapExpiry == "" {
		c.Grey.TrapExpiry = DefaultTrapExpiry.String()
	}
	if c.Grey.Stutter == "" {
		c.Grey.Stutter = DefaultStutter.String()
	}
	if c.Grey.TraplistName == "" {
		c.Grey.TraplistName = "greyd-blacklist"
	}
	if c.Grey.TraplistMessage == "" {
		c.Grey.TraplistMessage = "Your address %A has been blacklisted."
	}

	if c.Firewall.Driver == "" {
		c.Firewall.Driver = "nftables"
	}
	if c.Firewall.Table == "" {
		c.Firewall.Table = "filter"
	}
	if c.Firewall.MaxCons == 0 {
		c.Firewall.MaxCons = DefaultMaxCons
	}
	if c.Firewall.MaxBlack == 0 {
		c.Firewall.MaxBlack = DefaultMaxBlack
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "/var/db/greyd/greyd.sqlite"
	}
}

// Durations parses the grey block's duration strings, falling back to
// spec-compiled defaults for any empty field.
func (c GreyConfig) Durations() (GreyDurations, error) {
	d := GreyDurations{}
	var err error
	if d.PassTime, err = parseOrDefault(c.PassTime, DefaultPassTime); err != nil {
		return d, err
	}
	if d.GreyExpiry, err = parseOrDefault(c.GreyExpiry, DefaultGreyExpiry); err != nil {
		return d, err
	}
	if d.WhiteExp, err = parseOrDefault(c.WhiteExp, DefaultWhiteExp); err != nil {
		return d, err
	}
	if d.TrapExpiry, err = parseOrDefault(c.TrapExpiry, DefaultTrapExpiry); err != nil {
		return d, err
	}
	if d.Stutter, err = parseOrDefault(c.Stutter, DefaultStutter); err != nil {
		return d, err
	}
	return d, nil
}

func parseOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
