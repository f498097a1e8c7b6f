package cardmatch

import (
	"strings"
)

// Detection is the outcome of running every rule against recognized text
type Detection struct {
	Number    string `json:"number,omitempty"` // As matched, separators included
	Digits    string `json:"digits,omitempty"`
	Issuer    Issuer `json:"issuer,omitempty"`
	Expiry    string `json:"expiry,omitempty"`
	LuhnValid bool   `json:"luhn_valid"`
}

// Found reports whether a card number was detected
func (d Detection) Found() bool {
	return d.Number != ""
}

// Masked returns the card digits with everything but the first and last four hidden
func (d Detection) Masked() string {
	return Mask(d.Number)
}

type anchoredRule struct {
	issuer Issuer
	match  func(string) (string, bool)
}

// anchoredRules run in this order; Humo is tried before Atto since both start with 9
var anchoredRules = []anchoredRule{
	{IssuerUzcard, UzCard},
	{IssuerHumo, HumoCard},
	{IssuerUncard, UnionCard},
	{IssuerAtto, AttoCard},
}

// Detect scans recognized text line by line and returns the first card number
// found along with the first expiry date anywhere in the text.
func Detect(text string) Detection {
	var d Detection
	if expiry, ok := ExpiryDate(text); ok {
		d.Expiry = expiry
	}

	for _, line := range strings.Split(text, "\n") {
		number, issuer, ok := detectLine(line)
		if !ok {
			continue
		}
		d.Number = number
		d.Issuer = issuer
		d.Digits = Digits(number)
		d.LuhnValid = Luhn(d.Digits)
		break
	}

	return d
}

func detectLine(line string) (string, Issuer, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}

	if number, ok := BasicCard(line); ok {
		return number, basicIssuer(number), true
	}

	// OCR often splits an unbroken number with stray spaces
	candidates := []string{line}
	if compact := strings.ReplaceAll(line, " ", ""); compact != line {
		candidates = append(candidates, compact)
	}

	for _, candidate := range candidates {
		for _, rule := range anchoredRules {
			if number, ok := rule.match(candidate); ok {
				return number, rule.issuer, true
			}
		}
	}

	return "", "", false
}

func basicIssuer(number string) Issuer {
	for _, p := range basicPrefixes {
		if strings.HasPrefix(number, p.prefix) {
			return p.issuer
		}
	}
	return IssuerUnknown
}

// Digits strips everything that is not an ASCII digit
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask keeps the first four and last four digits of a card number
func Mask(s string) string {
	digits := Digits(s)
	if len(digits) <= 8 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:4] + strings.Repeat("*", len(digits)-8) + digits[len(digits)-4:]
}

// Luhn reports whether digits pass the mod 10 checksum
func Luhn(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}
