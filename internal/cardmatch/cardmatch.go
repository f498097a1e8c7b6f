package cardmatch

import (
	"regexp"
	"strings"
)

// Issuer identifies the payment network a card number belongs to
type Issuer string

const (
	IssuerUzcard  Issuer = "uzcard"
	IssuerHumo    Issuer = "humo"
	IssuerUncard  Issuer = "uncard"
	IssuerAtto    Issuer = "atto"
	IssuerUnknown Issuer = "unknown"
)

var (
	// Four groups of four digits separated by any single non-digit
	basicPattern = regexp.MustCompile(`\d{4}\D\d{4}\D\d{4}\D\d{4}`)

	// 13 or 16 digits anchored at the start of the input
	uzcardPattern = regexp.MustCompile(`^8[0-9]{12}(?:[0-9]{3})?`)
	humoPattern   = regexp.MustCompile(`^9[0-9]{12}(?:[0-9]{3})?`)
	unionPattern  = regexp.MustCompile(`^6[0-9]{12}(?:[0-9]{3})?`)
	attoPattern   = regexp.MustCompile(`^9[0-9]{12}(?:[0-9]{3})?`)

	expiryPattern = regexp.MustCompile(`\d{2}/\d{2}`)
)

// basicPrefixes maps the prefixes accepted by BasicCard to their issuer
var basicPrefixes = []struct {
	prefix string
	issuer Issuer
}{
	{"8600", IssuerUzcard},
	{"9860", IssuerHumo},
	{"6262", IssuerUncard},
}

// firstMatch returns the first match of re in text when it starts with prefix.
// Only the first match is examined.
func firstMatch(re *regexp.Regexp, text string, prefix string) (string, bool) {
	match := re.FindString(text)
	if match == "" || !strings.HasPrefix(match, prefix) {
		return "", false
	}
	return match, true
}

// BasicCard finds a card number printed as four groups of four digits.
// The returned value keeps the original separators.
func BasicCard(text string) (string, bool) {
	match := basicPattern.FindString(text)
	if match == "" {
		return "", false
	}
	for _, p := range basicPrefixes {
		if strings.HasPrefix(match, p.prefix) {
			return match, true
		}
	}
	return "", false
}

// UzCard matches an unbroken Uzcard number (prefix 8600) at the start of text
func UzCard(text string) (string, bool) {
	return firstMatch(uzcardPattern, text, "8600")
}

// HumoCard matches an unbroken Humo number (prefix 9860) at the start of text
func HumoCard(text string) (string, bool) {
	return firstMatch(humoPattern, text, "9860")
}

// UnionCard matches an unbroken UnionPay number (prefix 6262) at the start of text
func UnionCard(text string) (string, bool) {
	return firstMatch(unionPattern, text, "6262")
}

// AttoCard matches an unbroken Atto number (prefix 9987) at the start of text
func AttoCard(text string) (string, bool) {
	return firstMatch(attoPattern, text, "9987")
}

// ExpiryDate finds the first MM/YY style substring in text
func ExpiryDate(text string) (string, bool) {
	match := expiryPattern.FindString(text)
	if match == "" {
		return "", false
	}
	return match, true
}
