// Package dbconfig manages named datasource definitions: validation,
// encrypted persistence as a single JSON document, and the live connection
// pools rebuilt from it.
package dbconfig

import (
	"fmt"
	"strings"

	"github.com/etlite/etlite/internal/errs"
)

// Type identifies a supported database engine.
type Type string

const (
	TypeMySQL      Type = "MYSQL"
	TypeMSSQL      Type = "MSSQL"
	TypePostgreSQL Type = "POSTGRESQL"
)

// valid reports whether t is one of the supported engines.
func (t Type) valid() bool {
	switch t {
	case TypeMySQL, TypeMSSQL, TypePostgreSQL:
		return true
	}
	return false
}

// Config is one named datasource definition. Password holds ciphertext at
// rest; plaintext exists only transiently while building a DSN.
type Config struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"dbPassword"`
	Query    string `json:"query"`
}

// Document is the persisted form of the whole config store: every datasource
// plus the comma-separated service-binding table consumed by load scripts.
type Document struct {
	Databases []Config `json:"databases"`
	Services  string   `json:"services"`
}

// validateCreate checks a config that does not exist yet: every field
// including the password is required.
func (c *Config) validateCreate() []string {
	violations := c.validateCommon()
	if c.Password == "" {
		violations = append(violations, c.violation("password can't be blank for new config"))
	}
	return violations
}

// validateUpdate checks a config replacing an existing one: the password is
// optional (blank retains the stored ciphertext).
func (c *Config) validateUpdate() []string {
	return c.validateCommon()
}

func (c *Config) validateCommon() []string {
	var violations []string
	if c.Name == "" {
		violations = append(violations, "name can't be blank")
	}
	if c.Type == "" {
		violations = append(violations, c.violation("type can't be blank"))
	} else if !c.Type.valid() {
		violations = append(violations, c.violation("type isn't a valid database type: MYSQL | MSSQL | POSTGRESQL"))
	}
	if c.URL == "" {
		violations = append(violations, c.violation("url can't be blank"))
	}
	if c.User == "" {
		violations = append(violations, c.violation("user can't be blank"))
	}
	return violations
}

// violation prefixes a message with the config name so batched errors stay
// attributable.
func (c *Config) violation(msg string) string {
	if c.Name == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", c.Name, msg)
}

// ParseServices parses the "key1:value1,key2:value2" service-binding table.
func ParseServices(s string) (map[string]string, error) {
	bindings := make(map[string]string)
	if s == "" {
		return bindings, nil
	}

	for _, pair := range splitAndTrim(s, ",") {
		kv := splitAndTrim(pair, ":")
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, errs.NewValidation(fmt.Sprintf("%q is an invalid service binding", pair))
		}
		bindings[kv[0]] = kv[1]
	}
	return bindings, nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
