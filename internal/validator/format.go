package validator

import (
	"fmt"
	"strconv"
	"strings"
)

func formatResolution(width, height int) string {
	return fmt.Sprintf("%dx%d", width, height)
}

func formatBool(b bool) string {
	return strconv.FormatBool(b)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// gopIDFromReason pulls the GOP timestamp out of a conflict reason of the
// shape produced by DeepValidate: `gop score mismatch at timestamp "<id>" ...`.
func gopIDFromReason(reason string) string {
	start := strings.Index(reason, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(reason[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return reason[start+1 : start+1+end]
}
