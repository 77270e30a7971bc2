//go:build !unix

package capture

import "errors"

func diskFreeSpace(path string) (int64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
