package config

import (
	"bufio"
	"os"
	"strings"

	"github.com/helioloureiro/greyd/internal/address"
	"github.com/helioloureiro/greyd/internal/blacklist"
	grerrors "github.com/helioloureiro/greyd/internal/errors"
)

// BuildBlacklists turns the configured blacklist blocks into built
// *blacklist.Blacklist values ready to load into a Registry, per spec §3's
// add(bl, "cidr") operation: inline cidrs and file-sourced entries are
// both added as black ranges, then the blacklist is collapsed and built.
func BuildBlacklists(entries []BlacklistConfig) ([]*blacklist.Blacklist, error) {
	out := make([]*blacklist.Blacklist, 0, len(entries))
	for _, e := range entries {
		code := e.Code
		if code == 0 {
			code = 450
		}
		bl := blacklist.New(e.Name, e.Message, code)

		for _, c := range e.CIDRs {
			if err := addOne(bl, c); err != nil {
				return nil, grerrors.Wrapf(err, grerrors.KindValidation, "config: blacklist %q cidrs", e.Name)
			}
		}
		if e.File != "" {
			if err := addFromFile(bl, e.File); err != nil {
				return nil, grerrors.Wrapf(err, grerrors.KindValidation, "config: blacklist %q file", e.Name)
			}
		}
		if err := bl.Build(); err != nil {
			return nil, grerrors.Wrapf(err, grerrors.KindInternal, "config: build blacklist %q", e.Name)
		}
		out = append(out, bl)
	}
	return out, nil
}

func addOne(bl *blacklist.Blacklist, s string) error {
	if !strings.Contains(s, "/") {
		addr, err := address.Parse(s)
		if err != nil {
			return err
		}
		return bl.AddRange(addr, addr, false)
	}
	cidr, err := address.ParseCIDR(s)
	if err != nil {
		return err
	}
	return bl.AddCIDR(cidr, false)
}

func addFromFile(bl *blacklist.Blacklist, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := addOne(bl, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
