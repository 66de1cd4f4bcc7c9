// Package conn implements the per-peer SMTP state machine: the stuttering
// tarpit conversation for blacklisted peers and the greylisting dialogue
// for everyone else.
package conn

import (
	"strconv"
	"strings"

	"github.com/helioloureiro/greyd/internal/blacklist"
)

const listSummaryWidth = 80

// GreylistReply is the canonical temporary-failure line sent to peers that
// are not on any blacklist, regardless of any blacklist's configured code.
const GreylistReply = "451 Temporary failure, please try again later.\r\n"

// DefaultCode is used for a blacklisted peer when none of the matching
// blacklists configured an override.
const DefaultCode = 450

// ListSummary renders a human-readable, width-bounded summary of matching
// blacklist names, greedily appending names and terminating with " ..."
// if the full concatenation would exceed listSummaryWidth (spec §4.2).
func ListSummary(lists []*blacklist.Blacklist) string {
	if len(lists) == 0 {
		return ""
	}

	var b strings.Builder
	for i, bl := range lists {
		candidate := bl.Name
		sep := ""
		if b.Len() > 0 {
			sep = " "
		}
		if b.Len()+len(sep)+len(candidate) > listSummaryWidth {
			if i == 0 {
				// A single overlong name still gets truncated to "...".
				return "..."
			}
			b.WriteString(" ...")
			return b.String()
		}
		b.WriteString(sep)
		b.WriteString(candidate)
	}
	return b.String()
}

// BlacklistReply concatenates every matching blacklist's message,
// substituting %A for peer and splitting on literal \n into SMTP
// multi-line continuation: every line but the last prefixed "<code>-",
// the last "<code> " (spec §4.2).
func BlacklistReply(lists []*blacklist.Blacklist, peer string, code int) string {
	if len(lists) == 0 {
		return ""
	}
	if code == 0 {
		code = DefaultCode
	}

	var lines []string
	for _, bl := range lists {
		rendered := bl.ReplyLine(peer)
		lines = append(lines, strings.Split(rendered, "\n")...)
	}

	codeStr := strconv.Itoa(code)
	var out strings.Builder
	for i, line := range lines {
		if i == len(lines)-1 {
			out.WriteString(codeStr + " " + line + "\r\n")
		} else {
			out.WriteString(codeStr + "-" + line + "\r\n")
		}
	}
	return out.String()
}
