//go:build !unix

package attach

import "errors"

var errUnsupported = errors.New("dynamic attach is not supported on this platform")

func sendQuit(int) error { return errUnsupported }

func createTrigger(string) error { return errUnsupported }
