package services

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"tradieflow/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// templateVariables is the fixed variable set and the default used when the
// context has no value for it. Any other identifier is left as written.
var templateVariables = map[string]string{
	"customerName":  "valued customer",
	"jobTitle":      "your recent job",
	"amount":        "",
	"businessName":  "our business",
	"invoiceNumber": "",
	"quoteNumber":   "",
}

// Interpolate renders {{name}} placeholders in template against ctx.
func Interpolate(template string, ctx models.TriggerContext) string {
	if template == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		def, known := templateVariables[name]
		if !known {
			return match
		}
		if v := formatValue(ctx[name]); v != "" {
			return v
		}
		return def
	})
}

// formatValue renders a context value for templates. Whole numbers print without a decimal point.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return formatValue(float64(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}
