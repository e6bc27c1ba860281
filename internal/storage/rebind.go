package storage

import (
	"strconv"
	"strings"
)

// Bind styles for placeholder rewriting.
const (
	BindQuestion = iota // ?        (sqlite)
	BindDollar          // $1, $2   (postgres)
	BindAt              // @p1, @p2 (sqlserver)
)

// Rebind rewrites '?' placeholders into the backend's native style.
// Query text comes exclusively from the engine's builders, which keep
// all values in args, so no quote-awareness is needed here.
func Rebind(bind int, query string) string {
	if bind == BindQuestion {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)

	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		switch bind {
		case BindDollar:
			b.WriteByte('$')
		case BindAt:
			b.WriteString("@p")
		}
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
