package layers

import (
	"math"
	"strconv"
)

var (
	siPrefixes     = []string{"", "k", "M", "G", "T", "P", "E"}
	binaryPrefixes = []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei"}
)

// FormatValue renders v for a tooltip using the axis prefix, suffix and
// unit base.
func FormatValue(axis Axis, v float64) string {
	var num string
	switch axis.Base {
	case "10":
		num = scaled(v, 1000, siPrefixes)
	case "2":
		num = scaled(v, 1024, binaryPrefixes)
	default:
		num = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return axis.Prefix + num + axis.Suffix
}

func scaled(v, step float64, prefixes []string) string {
	abs := math.Abs(v)
	i := 0
	for abs >= step && i < len(prefixes)-1 {
		abs /= step
		v /= step
		i++
	}
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + prefixes[i]
}
