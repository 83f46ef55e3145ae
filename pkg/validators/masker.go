package validators

import "strings"

// MaskString hides all but the last four characters of value. Short
// values are fully masked so their length does not leak.
func MaskString(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

// MaskEmail hides the local part of an address, keeping the first
// character and the domain so log lines stay correlatable.
func MaskEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return MaskString(addr)
	}
	local, rest := addr[:at], addr[at:]
	if len(local) == 1 {
		return "*" + rest
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + rest
}
