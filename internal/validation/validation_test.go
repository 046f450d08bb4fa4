package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidWallet(t *testing.T) {
	valid := []string{
		"4Nd1mYvH6LSyUQcuYE9ujXz6zGC3nRnBV9AbQp5tQDnw",
		"DRpbCBMxVnDK7maPM5tGv6MvB3v1sRMC86PZ8okm21hy",
		"11111111111111111111111111111111",
	}
	for _, addr := range valid {
		assert.True(t, IsValidWallet(addr), addr)
	}

	invalid := []string{
		"",
		"0x71C7656EC7ab88b098defB751B7401B5f6d8976F", // EVM, not base58
		"short",
		"contains0andOandIandl000000000000000", // excluded base58 chars
	}
	for _, addr := range invalid {
		assert.False(t, IsValidWallet(addr), addr)
	}
}

func TestIsValidProofURL(t *testing.T) {
	assert.True(t, IsValidProofURL("https://cdn.atelier.example/proof/1.jpg"))
	assert.True(t, IsValidProofURL("ipfs://QmWATWQ7fVPP2EFGu71UkfnqhYXDYH566qy47CnJDgvs8u"))
	assert.True(t, IsValidProofURL("  https://cdn.atelier.example/p.png  "))

	assert.False(t, IsValidProofURL("http://insecure.example/p.jpg"))
	assert.False(t, IsValidProofURL("ftp://x/p.jpg"))
	assert.False(t, IsValidProofURL(""))
}

func TestValidateCombinator(t *testing.T) {
	errs := Validate(
		Required("seller_wallet", ""),
		PositiveAmount("amount", 0),
		ValidProofURLs("proof_urls", nil),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "seller_wallet", errs[0].Field)

	errs = Validate(
		Required("seller_wallet", "4Nd1mYvH6LSyUQcuYE9ujXz6zGC3nRnBV9AbQp5tQDnw"),
		PositiveAmount("amount", 1),
	)
	assert.Empty(t, errs)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  abc  ", 10))
	assert.Equal(t, "ab", SanitizeString("abcd", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 10))
}
