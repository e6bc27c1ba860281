package narrative

import (
	"fmt"
	"strings"

	"bizmon/internal/storage"
)

// InsightPrompt frames current aggregates as a request for a short
// business summary. The model sees plain numbers, never SQL or raw
// rows.
func InsightPrompt(totalAmount float64, rowCount int64, byProduct, byRegion []storage.LabelValue) string {
	var b strings.Builder
	b.WriteString("You are a business analyst. Summarize the following sales data in 3-5 short sentences, ")
	b.WriteString("mentioning the strongest product and region and one actionable observation.\n\n")
	fmt.Fprintf(&b, "Total revenue: %.2f\n", totalAmount)
	fmt.Fprintf(&b, "Transactions: %d\n", rowCount)

	writeBreakdown(&b, "Revenue by product", byProduct)
	writeBreakdown(&b, "Revenue by region", byRegion)
	return b.String()
}

// QueryPrompt frames a single aggregate result as a question answered
// in prose.
func QueryPrompt(question string, rows []storage.LabelValue) string {
	var b strings.Builder
	b.WriteString("Answer the question in one or two sentences using only the data below.\n\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	writeBreakdown(&b, "Data", rows)
	return b.String()
}

func writeBreakdown(b *strings.Builder, title string, rows []storage.LabelValue) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for i, r := range rows {
		if i >= 10 {
			break
		}
		label := r.Label
		if label == "" {
			label = "(blank)"
		}
		fmt.Fprintf(b, "- %s: %.2f\n", label, r.Value)
	}
}
