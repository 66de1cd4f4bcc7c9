package firewall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"

	"github.com/google/nftables"

	grerrors "github.com/helioloureiro/greyd/internal/errors"
	"github.com/helioloureiro/greyd/internal/logging"
)

// nftRunner executes an nft script and returns its combined output. Tests
// substitute a fake; production uses runNft, which shells out to the real
// nft binary the way the teacher's atomic applier does.
type nftRunner func(script string) ([]byte, error)

func runNft(script string) ([]byte, error) {
	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	return cmd.CombinedOutput()
}

// NFTablesDriver replaces greyd's two nftables sets and its traplist
// blacklist by piping a generated script to `nft -f -`, the same
// atomic-apply idiom the firewall ruleset manager uses for rule reloads:
// one script, one invocation, nft either applies the whole thing or
// rejects it outright.
type NFTablesDriver struct {
	Table       string
	WhitelistV4 string
	WhitelistV6 string
	TraplistSet string

	log *logging.Logger
	run nftRunner

	// conn is kept open for future generation-ID based integrity checks;
	// greyd itself mutates sets only through the script path below.
	conn *nftables.Conn
}

// NewNFTablesDriver opens a netlink handle and returns a driver bound to
// the named table. The table and its sets are assumed pre-provisioned by
// the greyd ruleset (spec §6 treats set creation as out of scope for the
// core daemon).
func NewNFTablesDriver(table string, log *logging.Logger) (*NFTablesDriver, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, grerrors.Wrap(err, grerrors.KindUnavailable, "firewall: open nftables connection")
	}
	return &NFTablesDriver{
		Table:       table,
		WhitelistV4: "greyd_white4",
		WhitelistV6: "greyd_white6",
		TraplistSet: "greyd_trap",
		log:         log,
		run:         runNft,
		conn:        conn,
	}, nil
}

var replaceSetTmpl = template.Must(template.New("replace-set").Parse(
	`flush set inet {{.Table}} {{.Set}}
{{- if .Elems }}
add element inet {{.Table}} {{.Set}} { {{.Elems}} }
{{- end }}
`))

func renderReplaceSet(table, set string, ips []string) (string, error) {
	var buf bytes.Buffer
	err := replaceSetTmpl.Execute(&buf, struct {
		Table, Set, Elems string
	}{table, set, strings.Join(ips, ", ")})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ReplaceWhitelist atomically flushes and repopulates the v4 and v6
// whitelist sets in a single nft invocation (spec §6: "the firewall
// driver replaces the whitelist sets wholesale on every scan pass").
func (d *NFTablesDriver) ReplaceWhitelist(ctx context.Context, payload WhitelistPayload) error {
	v4, err := renderReplaceSet(d.Table, d.WhitelistV4, payload.V4)
	if err != nil {
		return grerrors.Wrap(err, grerrors.KindInternal, "firewall: render whitelist v4 script")
	}
	v6, err := renderReplaceSet(d.Table, d.WhitelistV6, payload.V6)
	if err != nil {
		return grerrors.Wrap(err, grerrors.KindInternal, "firewall: render whitelist v6 script")
	}

	script := v4 + v6
	out, err := d.run(script)
	if err != nil {
		return grerrors.Wrapf(err, grerrors.KindUnavailable, "firewall: apply whitelist: %s", string(out))
	}
	d.log.Debug("firewall: whitelist replaced", "v4_count", len(payload.V4), "v6_count", len(payload.V6))
	return nil
}

// ReplaceTraplist atomically flushes and repopulates the traplist set. The
// blacklist's display name/message (spec §4.2) live in greyd's own config,
// not in nft state, so only the membership is pushed here.
func (d *NFTablesDriver) ReplaceTraplist(ctx context.Context, payload TraplistPayload) error {
	script, err := renderReplaceSet(d.Table, d.TraplistSet, payload.IPs)
	if err != nil {
		return grerrors.Wrap(err, grerrors.KindInternal, "firewall: render traplist script")
	}

	out, err := d.run(script)
	if err != nil {
		return grerrors.Wrapf(err, grerrors.KindUnavailable, "firewall: apply traplist: %s", string(out))
	}
	d.log.Debug("firewall: traplist replaced", "name", payload.Name, "count", len(payload.IPs))
	return nil
}

func (d *NFTablesDriver) String() string {
	return fmt.Sprintf("nftables(table=%s)", d.Table)
}
