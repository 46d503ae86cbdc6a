package dbconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCreate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   []string
	}{
		{
			name: "complete config passes",
			config: Config{
				Name: "warehouse", Type: TypePostgreSQL,
				URL: "postgres://localhost:5432/wh", User: "etl", Password: "secret",
				Query: "SELECT 1",
			},
			want: nil,
		},
		{
			name:   "empty config reports every violation",
			config: Config{},
			want: []string{
				"name can't be blank",
				"type can't be blank",
				"url can't be blank",
				"user can't be blank",
				"password can't be blank for new config",
			},
		},
		{
			name: "bad type",
			config: Config{
				Name: "x", Type: "ORACLE", URL: "u", User: "u", Password: "p",
			},
			want: []string{"x: type isn't a valid database type: MYSQL | MSSQL | POSTGRESQL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.validateCreate())
		})
	}
}

func TestValidateUpdateAllowsBlankPassword(t *testing.T) {
	c := Config{Name: "warehouse", Type: TypeMySQL, URL: "tcp(localhost:3306)/wh", User: "etl"}
	assert.Empty(t, c.validateUpdate())
}

func TestParseServices(t *testing.T) {
	bindings, err := ParseServices("patientSrvc:patient, obsSrvc:observation")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"patientSrvc": "patient",
		"obsSrvc":     "observation",
	}, bindings)

	bindings, err = ParseServices("")
	require.NoError(t, err)
	assert.Empty(t, bindings)

	_, err = ParseServices("patientSrvc")
	assert.ErrorContains(t, err, "invalid service binding")

	_, err = ParseServices("patientSrvc:")
	assert.ErrorContains(t, err, "invalid service binding")
}
