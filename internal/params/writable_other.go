//go:build !unix

package params

import "os"

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".heapdumper-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
