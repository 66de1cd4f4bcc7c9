package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Dump renders cfg back to canonical HCL text, with every default already
// applied. Operators use it (via greyd -print-config) to see the effective
// configuration after merging a file with compiled-in defaults, without
// having to mentally replay applyDefaults.
func Dump(cfg Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("hostname", cty.StringVal(cfg.Hostname))
	body.SetAttributeValue("banner", cty.StringVal(cfg.Banner))
	if len(cfg.LowPrioMX) > 0 {
		body.SetAttributeValue("low_prio_mx", stringListVal(cfg.LowPrioMX))
	}
	body.AppendNewline()

	greyBlock := body.AppendNewBlock("grey", nil).Body()
	greyBlock.SetAttributeValue("enable", cty.BoolVal(cfg.Grey.Enable))
	greyBlock.SetAttributeValue("pass_time", cty.StringVal(cfg.Grey.PassTime))
	greyBlock.SetAttributeValue("grey_expiry", cty.StringVal(cfg.Grey.GreyExpiry))
	greyBlock.SetAttributeValue("white_exp", cty.StringVal(cfg.Grey.WhiteExp))
	greyBlock.SetAttributeValue("trap_expiry", cty.StringVal(cfg.Grey.TrapExpiry))
	greyBlock.SetAttributeValue("stutter", cty.StringVal(cfg.Grey.Stutter))
	greyBlock.SetAttributeValue("traplist_name", cty.StringVal(cfg.Grey.TraplistName))
	greyBlock.SetAttributeValue("traplist_message", cty.StringVal(cfg.Grey.TraplistMessage))
	if len(cfg.Grey.PermittedDomains) > 0 {
		greyBlock.SetAttributeValue("permitted_domains", stringListVal(cfg.Grey.PermittedDomains))
	}
	greyBlock.SetAttributeValue("db_permitted_domains", cty.BoolVal(cfg.Grey.DBPermittedDomains))
	body.AppendNewline()

	syncBlock := body.AppendNewBlock("sync", nil).Body()
	syncBlock.SetAttributeValue("enable", cty.BoolVal(cfg.Sync.Enable))
	syncBlock.SetAttributeValue("port", cty.NumberIntVal(int64(cfg.Sync.Port)))
	syncBlock.SetAttributeValue("ttl", cty.NumberIntVal(int64(cfg.Sync.TTL)))
	if len(cfg.Sync.Hosts) > 0 {
		syncBlock.SetAttributeValue("hosts", stringListVal(cfg.Sync.Hosts))
	}
	if cfg.Sync.BindAddress != "" {
		syncBlock.SetAttributeValue("bind_address", cty.StringVal(cfg.Sync.BindAddress))
	}
	if cfg.Sync.MCastAddress != "" {
		syncBlock.SetAttributeValue("mcast_address", cty.StringVal(cfg.Sync.MCastAddress))
	}
	syncBlock.SetAttributeValue("verify", cty.BoolVal(cfg.Sync.Verify))
	body.AppendNewline()

	fwBlock := body.AppendNewBlock("firewall", nil).Body()
	fwBlock.SetAttributeValue("driver", cty.StringVal(cfg.Firewall.Driver))
	fwBlock.SetAttributeValue("table", cty.StringVal(cfg.Firewall.Table))
	fwBlock.SetAttributeValue("max_black", cty.NumberIntVal(int64(cfg.Firewall.MaxBlack)))
	fwBlock.SetAttributeValue("max_cons", cty.NumberIntVal(int64(cfg.Firewall.MaxCons)))
	body.AppendNewline()

	dbBlock := body.AppendNewBlock("database", nil).Body()
	dbBlock.SetAttributeValue("driver", cty.StringVal(cfg.Database.Driver))
	if cfg.Database.Path != "" {
		dbBlock.SetAttributeValue("path", cty.StringVal(cfg.Database.Path))
	}
	if cfg.Database.Host != "" {
		dbBlock.SetAttributeValue("host", cty.StringVal(cfg.Database.Host))
		dbBlock.SetAttributeValue("port", cty.NumberIntVal(int64(cfg.Database.Port)))
		dbBlock.SetAttributeValue("db_name", cty.StringVal(cfg.Database.DBName))
		dbBlock.SetAttributeValue("user", cty.StringVal(cfg.Database.User))
	}

	for _, bl := range cfg.Blacklists {
		body.AppendNewline()
		blBlock := body.AppendNewBlock("blacklist", []string{bl.Name}).Body()
		blBlock.SetAttributeValue("message", cty.StringVal(bl.Message))
		blBlock.SetAttributeValue("code", cty.NumberIntVal(int64(bl.Code)))
		if len(bl.CIDRs) > 0 {
			blBlock.SetAttributeValue("cidrs", stringListVal(bl.CIDRs))
		}
		if bl.File != "" {
			blBlock.SetAttributeValue("file", cty.StringVal(bl.File))
		}
	}

	return f.Bytes()
}

func stringListVal(ss []string) cty.Value {
	if len(ss) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(ss))
	for i, s := range ss {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}
