//go:build windows

package scan

import "os"

// owner is unknown on Windows.
func owner(_ os.FileInfo) (int, int) {
	return -1, -1
}
