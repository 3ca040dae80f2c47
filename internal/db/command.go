package db

import (
	"strings"
)

// TabSplit is how a tab delimiter is usually typed on a command line.
const TabSplit = `\t`

// CopyCommand describes the COPY ... FROM STDIN statement every worker runs
// for each of its batches.
type CopyCommand struct {
	Schema string
	Table  string

	// Columns is an optional column list, passed through verbatim.
	Columns []string

	// Split is the field delimiter; `\t` is sent as an escape-string literal.
	Split string

	// Quote and Escape are single characters or empty.
	Quote  string
	Escape string

	// Options is appended to the statement as-is, e.g. "CSV" or "CSV NULL 'NA'".
	Options string
}

func (c CopyCommand) delimiter() string {
	if c.Split == TabSplit {
		return "E" + quoteLiteral(TabSplit)
	}
	return quoteLiteral(c.Split)
}

// IsCSV reports whether Options select the CSV format, in which PostgreSQL
// quotes fields with '"' unless QUOTE says otherwise.
func (c CopyCommand) IsCSV() bool {
	words := strings.FieldsFunc(c.Options, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '(' || r == ')'
	})
	for _, w := range words {
		if strings.EqualFold(w, "csv") {
			return true
		}
	}
	return false
}

// String renders the COPY statement.
func (c CopyCommand) String() string {
	var sb strings.Builder
	sb.WriteString("COPY ")
	sb.WriteString(QualifyTable(c.Schema, c.Table))
	if len(c.Columns) > 0 {
		sb.WriteString("(")
		sb.WriteString(strings.Join(c.Columns, ","))
		sb.WriteString(")")
	}
	sb.WriteString(" FROM STDIN WITH DELIMITER ")
	sb.WriteString(c.delimiter())
	if c.Quote != "" {
		sb.WriteString(" QUOTE ")
		sb.WriteString(quoteLiteral(c.Quote))
	}
	if c.Escape != "" {
		sb.WriteString(" ESCAPE ")
		sb.WriteString(quoteLiteral(c.Escape))
	}
	if opts := strings.TrimSpace(c.Options); opts != "" {
		sb.WriteString(" ")
		sb.WriteString(opts)
	}
	return sb.String()
}

// TruncateSQL returns the statement that empties schema.table.
func TruncateSQL(schema, table string) string {
	return "TRUNCATE " + QualifyTable(schema, table)
}
