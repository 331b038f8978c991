package memexec

import "strings"

// nulPlaceholder is substituted for any configured string that contains an
// embedded NUL byte. The request is then refused at spawn/exec time, not at
// the moment the bad string was added.
const nulPlaceholder = "<string-with-nul>"

// checkNul returns s unchanged when it is a valid C string, or the
// placeholder while raising *sawNul.
func checkNul(s string, sawNul *bool) string {
	if strings.IndexByte(s, 0) >= 0 {
		*sawNul = true
		return nulPlaceholder
	}
	return s
}

// buildEnvBlock turns a captured key->value mapping into KEY=VALUE strings
// in byte-lexicographic key order. Entries whose joined form contains an
// embedded NUL are dropped and flagged via sawNul.
func buildEnvBlock(env map[string]string, sawNul *bool) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		kv := k + "=" + env[k]
		if strings.IndexByte(kv, 0) >= 0 {
			*sawNul = true
			continue
		}
		out = append(out, kv)
	}
	return out
}
