package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExtractsDomainPrefix(t *testing.T) {
	c := Parse("@billing: charge   customer  42")
	require.Equal(t, "billing", c.DomainID)
	require.Equal(t, "charge customer 42", c.Normalized)
}

func TestParseWithoutDomainPrefix(t *testing.T) {
	c := Parse("  charge customer 42  ")
	require.Equal(t, "", c.DomainID)
	require.Equal(t, "charge customer 42", c.Normalized)
}

func TestParseStripsMatchingOuterQuotes(t *testing.T) {
	c := Parse(`"charge customer 42"`)
	require.Equal(t, "charge customer 42", c.Normalized)
}

func TestFingerprintStableAcrossWhitespaceVariants(t *testing.T) {
	a, err := Fingerprint("billing", "charge   customer 42")
	require.NoError(t, err)
	b, err := Fingerprint("billing", "  charge customer   42  ")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestFingerprintCommandAgreesWithRawFingerprint(t *testing.T) {
	c := Parse("@billing: charge customer 42")
	viaCommand, err := FingerprintCommand(c)
	require.NoError(t, err)
	viaRaw, err := Fingerprint("billing", "charge customer 42")
	require.NoError(t, err)
	require.Equal(t, viaRaw, viaCommand)
}

func TestFingerprintDiffersAcrossDomains(t *testing.T) {
	a, err := Fingerprint("billing", "charge customer 42")
	require.NoError(t, err)
	b, err := Fingerprint("support", "charge customer 42")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
