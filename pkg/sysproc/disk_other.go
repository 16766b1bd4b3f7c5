//go:build !linux && !darwin && !windows

package sysproc

func DiskUsage(path string) (total, free uint64, err error) {
	return 0, 0, ErrUnsupported
}
