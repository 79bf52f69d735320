// utilitário pequeno para formatação consistente dos valores numéricos nos headers de cota.

package ratelimit

import (
	"strconv"

	"admission-gateway/middleware/ratelimit/domain"
)

func formatInt(v int) string { return strconv.Itoa(v) }

// formatWindow: "<segundos>s", ex. "60s".
func formatWindow(p domain.Policy) string {
	return strconv.Itoa(p.WindowSeconds()) + "s"
}
