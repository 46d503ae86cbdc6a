package dbconfig

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	// driver registration for the three supported engines
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
)

// driverName maps a datasource type to its database/sql driver.
func driverName(t Type) (string, error) {
	switch t {
	case TypeMySQL:
		return "mysql", nil
	case TypeMSSQL:
		return "sqlserver", nil
	case TypePostgreSQL:
		return "pgx", nil
	}
	return "", fmt.Errorf("unsupported database type: %s", t)
}

// buildDSN injects the user and decrypted password into a config's URL.
//
// The URL field carries everything but the credentials:
//   - POSTGRESQL: postgres://host:5432/db?sslmode=disable
//   - MSSQL:      sqlserver://host:1433?database=db
//   - MYSQL:      tcp(host:3306)/db
func buildDSN(c *Config, user, password string) (string, error) {
	switch c.Type {
	case TypeMySQL:
		return fmt.Sprintf("%s:%s@%s", user, password, c.URL), nil
	case TypeMSSQL, TypePostgreSQL:
		u, err := url.Parse(c.URL)
		if err != nil {
			return "", fmt.Errorf("parsing url for config %s: %w", c.Name, err)
		}
		u.User = url.UserPassword(user, password)
		return u.String(), nil
	}
	return "", fmt.Errorf("unsupported database type: %s", c.Type)
}

// ExpandNamed rewrites :name parameter references in a query into the
// placeholder style of the target engine and returns the positional
// argument list. Parameters missing from the map are an error; unused map
// entries are fine. Colons inside single-quoted literals are left alone.
func ExpandNamed(query string, params map[string]any, t Type) (string, []any, error) {
	var b strings.Builder
	var args []any

	inQuote := false
	i := 0
	for i < len(query) {
		ch := query[i]
		if ch == '\'' {
			inQuote = !inQuote
			b.WriteByte(ch)
			i++
			continue
		}
		if inQuote || ch != ':' || i+1 >= len(query) || !isIdentStart(query[i+1]) {
			// "::" is a PostgreSQL cast, not a parameter
			if ch == ':' && i+1 < len(query) && query[i+1] == ':' {
				b.WriteString("::")
				i += 2
				continue
			}
			b.WriteByte(ch)
			i++
			continue
		}

		j := i + 1
		for j < len(query) && isIdentPart(query[j]) {
			j++
		}
		name := query[i+1 : j]
		value, ok := params[name]
		if !ok {
			return "", nil, fmt.Errorf("missing query parameter: %s", name)
		}
		args = append(args, value)
		b.WriteString(placeholder(t, len(args)))
		i = j
	}

	return b.String(), args, nil
}

func placeholder(t Type, n int) string {
	switch t {
	case TypePostgreSQL:
		return "$" + strconv.Itoa(n)
	case TypeMSSQL:
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}
