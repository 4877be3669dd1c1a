// Package content detects personal data in export requests.
package content

import (
	"regexp"
	"sort"
	"strings"
)

// PIIType represents different types of PII that can be detected
type PIIType string

const (
	PIITypeEmail       PIIType = "email"
	PIITypePhone       PIIType = "phone"
	PIITypeSSN         PIIType = "ssn"
	PIITypeCreditCard  PIIType = "credit_card"
	PIITypeIPAddress   PIIType = "ip_address"
	PIITypeAddress     PIIType = "address"
	PIITypeDateOfBirth PIIType = "date_of_birth"
	PIITypeName        PIIType = "name"
)

// Detection is one PII match inside a text value
type Detection struct {
	Type     PIIType
	Value    string
	StartPos int
	EndPos   int
}

type pattern struct {
	kind  PIIType
	re    *regexp.Regexp
	check func(string) bool
}

var patterns = []pattern{
	{kind: PIITypeEmail, re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{kind: PIITypeSSN, re: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)},
	{kind: PIITypeSSN, re: regexp.MustCompile(`\b[0-9]{9}\b`), check: looksLikeSSN},
	{kind: PIITypeCreditCard, re: regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`), check: luhnCheck},
	{kind: PIITypePhone, re: regexp.MustCompile(`(?:\+?1[-. ]?)?\(?\b[0-9]{3}\)?[-. ]?[0-9]{3}[-.][0-9]{4}\b`)},
	{kind: PIITypeIPAddress, re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)},
}

// fieldNames maps well-known column names to the PII they hold
var fieldNames = map[string]PIIType{
	"email":           PIITypeEmail,
	"email_address":   PIITypeEmail,
	"phone":           PIITypePhone,
	"phone_number":    PIITypePhone,
	"mobile":          PIITypePhone,
	"ssn":             PIITypeSSN,
	"social_security": PIITypeSSN,
	"tax_id":          PIITypeSSN,
	"card_number":     PIITypeCreditCard,
	"credit_card":     PIITypeCreditCard,
	"pan":             PIITypeCreditCard,
	"ip":              PIITypeIPAddress,
	"ip_address":      PIITypeIPAddress,
	"address":         PIITypeAddress,
	"street_address":  PIITypeAddress,
	"home_address":    PIITypeAddress,
	"dob":             PIITypeDateOfBirth,
	"date_of_birth":   PIITypeDateOfBirth,
	"birth_date":      PIITypeDateOfBirth,
	"full_name":       PIITypeName,
	"first_name":      PIITypeName,
	"last_name":       PIITypeName,
}

// Detect returns the non-overlapping PII matches in text ordered by position
func Detect(text string) []Detection {
	var found []Detection
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			value := text[m[0]:m[1]]
			if p.check != nil && !p.check(value) {
				continue
			}
			found = append(found, Detection{Type: p.kind, Value: value, StartPos: m[0], EndPos: m[1]})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].StartPos < found[j].StartPos
	})

	out := found[:0]
	end := -1
	for _, d := range found {
		if d.StartPos < end {
			continue
		}
		out = append(out, d)
		end = d.EndPos
	}
	return out
}

// ContainsPII reports whether text holds any detectable PII
func ContainsPII(text string) bool {
	return len(Detect(text)) > 0
}

// FieldType classifies a column or attribute name
func FieldType(name string) (PIIType, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndexByte(n, '.'); i >= 0 {
		n = n[i+1:]
	}
	t, ok := fieldNames[n]
	return t, ok
}

// SensitiveFields returns the names in fields that denote PII
func SensitiveFields(fields []string) []string {
	var out []string
	for _, f := range fields {
		if _, ok := FieldType(f); ok {
			out = append(out, f)
		}
	}
	return out
}

// looksLikeSSN performs basic validation on a 9-digit number to check if it looks like an SSN
func looksLikeSSN(s string) bool {
	if len(s) != 9 {
		return false
	}
	if s[:3] == "000" || s[3:5] == "00" || s[5:] == "0000" {
		return false
	}
	if strings.HasPrefix(s, "666") || strings.HasPrefix(s, "9") {
		return false
	}
	return true
}

// luhnCheck validates a card number using the Luhn algorithm
func luhnCheck(cardNumber string) bool {
	cardNumber = strings.ReplaceAll(cardNumber, " ", "")
	cardNumber = strings.ReplaceAll(cardNumber, "-", "")

	if len(cardNumber) < 13 || len(cardNumber) > 19 {
		return false
	}

	sum := 0
	isSecond := false
	for i := len(cardNumber) - 1; i >= 0; i-- {
		digit := int(cardNumber[i] - '0')
		if isSecond {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		isSecond = !isSecond
	}
	return sum%10 == 0
}
