package utils

// MaskSecret keeps a short prefix of a token so logs can tell tokens apart.
func MaskSecret(s string) string {
	const keep = 6
	if len(s) <= keep*2 {
		return "*****"
	}
	return s[:keep] + "*****"
}
