//go:build !linux

package runner

// GetLoadAverage reports a negative value on platforms this build does not
// implement load-average sampling for, which disables the LimitedRunner's
// load-average cap (grounded on original_source's util.{h,cpp}
// GetLoadAverage's generic "return -0.0f" fallback branches).
func GetLoadAverage() float64 {
	return -1
}
