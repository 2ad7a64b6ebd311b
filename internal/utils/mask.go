package utils

// MaskSecret keeps the first two characters of s and hides the rest.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "*****"
	}
	return s[:2] + "*****"
}
