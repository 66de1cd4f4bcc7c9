package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	grerrors "github.com/helioloureiro/greyd/internal/errors"
)

// LoadFile reads and decodes the HCL config at path, applying defaults for
// every key the file leaves unset.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, grerrors.Wrapf(err, grerrors.KindUnavailable, "config: read %s", path)
	}
	return LoadBytes(data, path)
}

// LoadBytes decodes data as HCL. Defaults are applied after decoding, not
// before: gohcl zeroes optional attributes absent from a present block, so
// seeding the target struct with Default() first would only survive for
// blocks the file omits entirely.
func LoadBytes(data []byte, filename string) (*Config, error) {
	var cfg Config

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, grerrors.Wrapf(diags, grerrors.KindValidation, "config: parse %s", filename)
	}

	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, grerrors.Wrapf(diags, grerrors.KindValidation, "config: decode %s", filename)
	}

	cfg.applyDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
