package utils

import "fmt"

// byteUnits are the suffixes used by FormatBytes. Conversion is 1024-based.
var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes renders a byte count for humans. Values below 1 KB print as
// integers ("512 B"); larger values print with two decimals in the largest
// unit whose mantissa is at least one ("1.50 KB", "2.31 GB").
func FormatBytes(n int64) string {
	if n == 0 {
		return "0 B"
	}
	size := float64(n)
	idx := 0
	for size >= 1024 && idx < len(byteUnits)-1 {
		size /= 1024
		idx++
	}
	if idx == 0 {
		return fmt.Sprintf("%d %s", n, byteUnits[idx])
	}
	return fmt.Sprintf("%.2f %s", size, byteUnits[idx])
}
