//go:build !linux

package attach

import "os"

func namespacePID(_ string, pid int) int { return pid }

func targetRoot(string, int) string { return "" }

func targetTempDir(string, int) string { return os.TempDir() }

func triggerDirs(_ string, _ int, tmp string) []string { return []string{tmp} }
