// Package command normalizes raw operator text into a Command and
// derives its governance fingerprint. The fingerprint is a pure
// function of the command text and domain prefix; normalization never
// alters it.
package command

import (
	"regexp"
	"strings"

	"github.com/sintraprime/ger/internal/clock"
	"github.com/sintraprime/ger/internal/model"
)

var domainPrefix = regexp.MustCompile(`^@([a-zA-Z0-9_-]+):\s*`)

// Parse extracts an optional "@domain:" prefix and normalizes the
// remaining text (collapsed whitespace, trimmed quoting).
func Parse(raw string) model.Command {
	trimmed := strings.TrimSpace(raw)

	domainID := ""
	body := trimmed
	if m := domainPrefix.FindStringSubmatch(trimmed); m != nil {
		domainID = m[1]
		body = trimmed[len(m[0]):]
	}

	return model.Command{
		Raw:        raw,
		Normalized: canonicalForm(body),
		DomainID:   domainID,
	}
}

// canonicalForm applies the whitespace/quoting canonicalization used
// by BOTH normalization and fingerprinting, so that fingerprinting a
// raw command and fingerprinting its normalized form always agree.
// It collapses runs of whitespace to a single space and strips a
// single layer of matching outer quotes.
func canonicalForm(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.Fields(s)
	collapsed := strings.Join(fields, " ")

	if len(collapsed) >= 2 {
		first, last := collapsed[0], collapsed[len(collapsed)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			collapsed = collapsed[1 : len(collapsed)-1]
		}
	}
	return collapsed
}

// Fingerprint computes the stable SHA-256 fingerprint of a command:
// sha256_hex(stable_json({command, domain_id})) over the canonical
// form of the raw text, independent of whether the caller already
// normalized it.
func Fingerprint(domainID, rawOrNormalized string) (string, error) {
	canon := canonicalForm(rawOrNormalized)
	return clock.Fingerprint(map[string]interface{}{
		"command":   canon,
		"domain_id": domainID,
	})
}

// FingerprintCommand is a convenience wrapper over a parsed Command.
func FingerprintCommand(c model.Command) (string, error) {
	return Fingerprint(c.DomainID, c.Normalized)
}
