//go:build linux

package runner

import "golang.org/x/sys/unix"

// siLoadShift is the fixed-point shift the kernel's sysinfo() applies to
// struct sysinfo's Loads field (include/linux/sched/loadavg.h SI_LOAD_SHIFT).
const siLoadShift = 16

// GetLoadAverage reports the 1-minute load average, or a negative value on
// error, grounded on original_source's util.{h,cpp} GetLoadAverage's Linux
// sysinfo() branch.
func GetLoadAverage() float64 {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return -1
	}
	return float64(si.Loads[0]) / float64(uint64(1)<<siLoadShift)
}
