//go:build !debug

package debug

const enabled = false

func assert(bool, ...any)          {}
func assertf(bool, string, ...any) {}
