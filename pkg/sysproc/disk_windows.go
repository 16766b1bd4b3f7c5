//go:build windows

package sysproc

import "golang.org/x/sys/windows"

// DiskUsage returns the total and available bytes of the volume holding path
func DiskUsage(path string) (total, free uint64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var avail, tot, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &tot, &totalFree); err != nil {
		return 0, 0, err
	}
	return tot, avail, nil
}
