// Package validation holds small, reusable field validators shared by the
// config loader. Each returns a Kind-tagged error ready to surface as a
// startup failure.
package validation

import (
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/helioloureiro/greyd/internal/errors"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateIdentifier checks a blacklist or traplist name: non-empty,
// printable, free of characters that would break a firewall set name or a
// log line.
func ValidateIdentifier(id string) error {
	if id == "" {
		return errors.New(errors.KindValidation, "identifier cannot be empty")
	}
	if len(id) > 255 {
		return errors.New(errors.KindValidation, "identifier too long (max 255 characters)")
	}
	if !identifierRegex.MatchString(id) {
		return errors.Errorf(errors.KindValidation, "invalid identifier: %s (must be alphanumeric with -_)", id)
	}
	return nil
}

// ValidateIPOrCIDR checks that s parses as either a bare IP or a CIDR
// block, accepting both IPv4 and IPv6 (spec §3 add/add_range accept
// either form).
func ValidateIPOrCIDR(s string) error {
	if s == "" {
		return errors.New(errors.KindValidation, "IP/CIDR cannot be empty")
	}
	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return errors.Wrap(err, errors.KindValidation, "invalid CIDR")
		}
		return nil
	}
	if net.ParseIP(s) == nil {
		return errors.Errorf(errors.KindValidation, "invalid IP address: %s", s)
	}
	return nil
}

// ValidatePortNumber checks port is in the valid TCP/UDP range.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf(errors.KindValidation, "invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateDriverName checks value against an allowlist of known driver
// names for a given config section (e.g. database driver, firewall
// driver).
func ValidateDriverName(section, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Errorf(errors.KindValidation, "%s: unknown driver %q (must be one of: %s)", section, value, strings.Join(allowed, ", "))
}

// ValidateReadableFile checks path names an existing, readable regular
// file. Used for the sync HMAC key file and blacklist source files.
func ValidateReadableFile(path string) error {
	if path == "" {
		return errors.New(errors.KindValidation, "path cannot be empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "cannot stat %s", path)
	}
	if info.IsDir() {
		return errors.Errorf(errors.KindValidation, "%s is a directory, not a file", path)
	}
	return nil
}

// ValidateHostname checks a greeting hostname is non-empty and has no
// whitespace that would break the SMTP banner line.
func ValidateHostname(h string) error {
	if h == "" {
		return errors.New(errors.KindValidation, "hostname cannot be empty")
	}
	if strings.ContainsAny(h, " \t\r\n") {
		return errors.Errorf(errors.KindValidation, "hostname contains whitespace: %q", h)
	}
	return nil
}
