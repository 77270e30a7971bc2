//go:build unix

package capture

import "syscall"

// diskFreeSpace reports the bytes available to unprivileged processes on
// the filesystem holding path.
func diskFreeSpace(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
