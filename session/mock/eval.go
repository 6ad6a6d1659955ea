package mock

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dan-strohschein/sqlpipeline/session"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// commandTags maps the non-SELECT statements the mock understands to their
// completion tags.
var commandTags = map[string]string{
	"BEGIN":    "BEGIN",
	"COMMIT":   "COMMIT",
	"ROLLBACK": "ROLLBACK",
	"INSERT":   "INSERT 0 1",
	"UPDATE":   "UPDATE 1",
	"DELETE":   "DELETE 1",
	"CREATE":   "CREATE TABLE",
	"DROP":     "DROP TABLE",
	"SET":      "SET",
}

// Evaluate answers a single statement. Statements the mock cannot parse
// return a syntax error as the second value; statements that parse but
// fail to execute return a result carrying the error.
//
// SELECT accepts a comma-separated list of integer literals, quoted strings
// and NULL. A bare identifier parses but fails with an undefined-column
// error, like a reference to a column that does not exist.
func Evaluate(stmt string) (*session.Result, error) {
	text := strings.TrimSpace(stmt)
	keyword, rest, _ := strings.Cut(text, " ")
	keyword = strings.ToUpper(keyword)

	if keyword == "SELECT" {
		return evalSelect(stmt, strings.TrimSpace(rest))
	}
	if tag, ok := commandTags[keyword]; ok {
		return &session.Result{Query: stmt, CommandTag: tag}, nil
	}
	return nil, syntaxError(stmt, keyword)
}

func evalSelect(stmt, list string) (*session.Result, error) {
	if list == "" {
		return nil, syntaxError(stmt, "SELECT")
	}

	items := strings.Split(list, ",")
	columns := make([]string, len(items))
	row := make([]sql.NullString, len(items))
	var undefined string

	for i, raw := range items {
		item := strings.TrimSpace(raw)
		columns[i] = "?column?"

		switch {
		case strings.EqualFold(item, "NULL"):
			row[i] = sql.NullString{}
		case len(item) >= 2 && item[0] == '\'' && item[len(item)-1] == '\'':
			row[i] = sql.NullString{String: item[1 : len(item)-1], Valid: true}
		case isInteger(item):
			row[i] = sql.NullString{String: item, Valid: true}
		case identifier.MatchString(item):
			if undefined == "" {
				undefined = item
			}
		default:
			return nil, syntaxError(stmt, item)
		}
	}

	if undefined != "" {
		return session.NewErrorResult(stmt, &session.StatementError{
			Code:     "E_UNDEFINED_COLUMN",
			Type:     "STATEMENT_ERROR",
			Message:  fmt.Sprintf("column %q does not exist", undefined),
			SQLState: "42703",
		}), nil
	}

	return &session.Result{
		Query:      stmt,
		Columns:    columns,
		Rows:       [][]sql.NullString{row},
		CommandTag: "SELECT 1",
	}, nil
}

func isInteger(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func syntaxError(stmt, near string) error {
	return &session.StatementError{
		Code:      "E_SYNTAX",
		Type:      "STATEMENT_ERROR",
		Message:   fmt.Sprintf("syntax error at or near %q", near),
		Statement: stmt,
		SQLState:  "42601",
	}
}
