package config

import (
	grerrors "github.com/helioloureiro/greyd/internal/errors"
	"github.com/helioloureiro/greyd/internal/validation"
)

var validDatabaseDrivers = []string{"sqlite", "memory"}
var validFirewallDrivers = []string{"nftables", "noop"}

// Validate checks cfg against the constraints spec §7 calls out as
// startup-fatal configuration errors: missing or mistyped required keys.
func Validate(cfg *Config) error {
	if err := validation.ValidateHostname(cfg.Hostname); err != nil {
		return err
	}
	if cfg.Banner == "" {
		return grerrors.New(grerrors.KindValidation, "config: banner cannot be empty")
	}
	for _, mx := range cfg.LowPrioMX {
		if err := validation.ValidateIPOrCIDR(mx); err != nil {
			return grerrors.Wrapf(err, grerrors.KindValidation, "config: low_prio_mx %q", mx)
		}
	}

	if _, err := cfg.Grey.Durations(); err != nil {
		return grerrors.Wrap(err, grerrors.KindValidation, "config: grey block duration")
	}
	if err := validation.ValidateIdentifier(cfg.Grey.TraplistName); cfg.Grey.Enable && err != nil {
		return grerrors.Wrap(err, grerrors.KindValidation, "config: grey.traplist_name")
	}

	if cfg.Sync.Enable {
		if err := validation.ValidatePortNumber(cfg.Sync.Port); err != nil {
			return grerrors.Wrap(err, grerrors.KindValidation, "config: sync.port")
		}
		if cfg.Sync.Verify {
			if err := validation.ValidateReadableFile(cfg.Sync.Key); err != nil {
				return grerrors.Wrap(err, grerrors.KindValidation, "config: sync.key")
			}
		}
		for _, h := range cfg.Sync.Hosts {
			if h == "" {
				return grerrors.New(grerrors.KindValidation, "config: sync.hosts entry cannot be empty")
			}
		}
	}

	if err := validation.ValidateDriverName("firewall", cfg.Firewall.Driver, validFirewallDrivers); err != nil {
		return err
	}
	if cfg.Firewall.MaxCons < 1 {
		return grerrors.New(grerrors.KindValidation, "config: firewall.max_cons must be positive")
	}
	if cfg.Firewall.MaxBlack < 0 || cfg.Firewall.MaxBlack > cfg.Firewall.MaxCons {
		return grerrors.New(grerrors.KindValidation, "config: firewall.max_black must be between 0 and max_cons")
	}

	if err := validation.ValidateDriverName("database", cfg.Database.Driver, validDatabaseDrivers); err != nil {
		return err
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		return grerrors.New(grerrors.KindValidation, "config: database.path required for sqlite driver")
	}

	seen := make(map[string]bool, len(cfg.Blacklists))
	for _, bl := range cfg.Blacklists {
		if err := validation.ValidateIdentifier(bl.Name); err != nil {
			return grerrors.Wrapf(err, grerrors.KindValidation, "config: blacklist %q", bl.Name)
		}
		if seen[bl.Name] {
			return grerrors.Errorf(grerrors.KindValidation, "config: duplicate blacklist name %q", bl.Name)
		}
		seen[bl.Name] = true
		for _, c := range bl.CIDRs {
			if err := validation.ValidateIPOrCIDR(c); err != nil {
				return grerrors.Wrapf(err, grerrors.KindValidation, "config: blacklist %q cidrs", bl.Name)
			}
		}
		if bl.File != "" {
			if err := validation.ValidateReadableFile(bl.File); err != nil {
				return grerrors.Wrapf(err, grerrors.KindValidation, "config: blacklist %q file", bl.Name)
			}
		}
	}

	return nil
}
