package protocol

import (
	"strconv"
	"strings"
)

// IsAtLeast reports whether version v satisfies the floor version, comparing
// dot-separated components numerically from the most significant one.
// A missing component counts as 0; non-numeric components count as 0.
func IsAtLeast(v, floor string) bool {
	vp := strings.Split(v, ".")
	fp := strings.Split(floor, ".")
	n := len(vp)
	if len(fp) > n {
		n = len(fp)
	}
	for i := 0; i < n; i++ {
		a := component(vp, i)
		b := component(fp, i)
		if a > b {
			return true
		}
		if a < b {
			return false
		}
	}
	return true
}

func component(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil {
		return 0
	}
	return n
}
