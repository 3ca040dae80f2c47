package db

import "strings"

// quoteIdent safely quotes a PostgreSQL identifier, escaping embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// quoteLiteral quotes a string literal, doubling embedded single quotes.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QualifyTable returns "schema"."table" with both parts quoted.
func QualifyTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}
