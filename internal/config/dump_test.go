package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpRoundTripsThroughLoadBytes(t *testing.T) {
	cfg := Default()
	cfg.Hostname = "mx.example.org"
	cfg.Blacklists = []BlacklistConfig{
		{Name: "spamhaus", Message: "blocked %A", Code: 550, CIDRs: []string{"203.0.113.0/24"}},
	}

	out := Dump(cfg)
	assert.Contains(t, string(out), `hostname = "mx.example.org"`)
	assert.Contains(t, string(out), `blacklist "spamhaus"`)

	reloaded, err := LoadBytes(out, "dump.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg.Hostname, reloaded.Hostname)
	assert.Equal(t, cfg.Grey.GreyExpiry, reloaded.Grey.GreyExpiry)
	require.Len(t, reloaded.Blacklists, 1)
	assert.Equal(t, "spamhaus", reloaded.Blacklists[0].Name)
	assert.Equal(t, 550, reloaded.Blacklists[0].Code)
}

func TestDumpOmitsEmptyOptionalLists(t *testing.T) {
	cfg := Default()
	out := string(Dump(cfg))
	assert.False(t, strings.Contains(out, "low_prio_mx"))
	assert.False(t, strings.Contains(out, "hosts ="))
}
