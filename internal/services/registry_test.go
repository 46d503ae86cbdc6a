package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("patientSrvc", FuncHandle{
		"savePerson": func(args []any) (any, error) { return args[0], nil },
	})

	h, ok := r.Resolve("patientSrvc")
	require.True(t, ok)
	assert.Equal(t, []string{"savePerson"}, h.Methods())

	_, ok = r.Resolve("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"patientSrvc"}, r.Available())
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("svc", FuncHandle{})
	assert.Panics(t, func() { r.Register("svc", FuncHandle{}) })
}

func TestFuncHandleInvoke(t *testing.T) {
	h := FuncHandle{
		"echo": func(args []any) (any, error) { return args[0], nil },
		"fail": func(args []any) (any, error) { return nil, errors.New("boom") },
	}

	out, err := h.Invoke("echo", []any{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = h.Invoke("fail", nil)
	assert.Error(t, err)

	_, err = h.Invoke("nope", nil)
	assert.ErrorContains(t, err, "unknown method")
}
