package router

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(http.ResponseWriter, *http.Request, map[string]string) {}

func TestAddCompilesTemplates(t *testing.T) {
	m := NewMatcher()

	route, err := m.Add(RouteSpec{Method: "get", Path: "customers/:id(int)", Handler: noop})
	require.NoError(t, err)
	assert.Equal(t, "GET", route.Method)
	assert.Equal(t, "/api/v1/customers/:id(int)", route.Template)
	require.Len(t, route.Params, 1)
	assert.Equal(t, "id", route.Params[0].Name)
	assert.Equal(t, KindInt, route.Params[0].Kind)
}

func TestAddRejectsUnknownKind(t *testing.T) {
	m := NewMatcher()
	_, err := m.Add(RouteSpec{Method: "GET", Path: "items/:id(decimal)", Handler: noop})
	assert.Error(t, err)
}

func TestFindFirstMatchWins(t *testing.T) {
	m := NewMatcher()

	first, err := m.Add(RouteSpec{Method: "GET", Path: "customers/:id", Handler: noop})
	require.NoError(t, err)
	_, err = m.Add(RouteSpec{Method: "GET", Path: "customers/:name", Handler: noop})
	require.NoError(t, err)

	route, params := m.Find("GET", "/api/v1/customers/42")
	require.NotNil(t, route)
	assert.Same(t, first, route)
	assert.Equal(t, map[string]string{"id": "42"}, params)
}

func TestFindMethodMismatchIsNotFound(t *testing.T) {
	m := NewMatcher()
	_, err := m.Add(RouteSpec{Method: "GET", Path: "customers", Handler: noop})
	require.NoError(t, err)

	route, _ := m.Find("POST", "/api/v1/customers")
	assert.Nil(t, route)
}

func TestFindMethodCaseInsensitive(t *testing.T) {
	m := NewMatcher()
	_, err := m.Add(RouteSpec{Method: "GET", Path: "customers", Handler: noop})
	require.NoError(t, err)

	route, _ := m.Find("get", "/api/v1/customers")
	assert.NotNil(t, route)
}

func TestFindNoPartialMatch(t *testing.T) {
	m := NewMatcher()
	_, err := m.Add(RouteSpec{Method: "GET", Path: "customers/:id", Handler: noop})
	require.NoError(t, err)

	route, _ := m.Find("GET", "/api/v1/customers/42/orders")
	assert.Nil(t, route)
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		value   string
		wantErr bool
	}{
		{"int ok", "int", "42", false},
		{"int negative", "int", "-7", false},
		{"int rejects text", "int", "abc", true},
		{"int rejects float", "int", "1.5", true},
		{"float ok", "float", "3.25", false},
		{"float rejects text", "float", "pi", true},
		{"bool true", "bool", "true", false},
		{"bool one", "bool", "1", false},
		{"bool False", "bool", "False", false},
		{"bool rejects yes", "bool", "yes", true},
		{"uuid any nonempty", "uuid", "not-really-a-uuid", false},
		{"string anything", "string", "x y", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher()
			_, err := m.Add(RouteSpec{Method: "GET", Path: "v/:p(" + tt.kind + ")", Handler: noop})
			require.NoError(t, err)

			route, params := m.Find("GET", "/api/v1/v/"+tt.value)
			if route == nil {
				// Values with path separators cannot match the capture.
				assert.True(t, tt.wantErr)
				return
			}
			err = ValidateParams(route, params)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFreezeForbidsLateRegistration(t *testing.T) {
	m := NewMatcher()
	_, err := m.Add(RouteSpec{Method: "GET", Path: "health", Handler: noop})
	require.NoError(t, err)

	m.Freeze()
	_, err = m.Add(RouteSpec{Method: "GET", Path: "late", Handler: noop})
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Equal(t, 1, m.Len())
}

func TestDuplicateRegistrationPermitted(t *testing.T) {
	m := NewMatcher()
	first, err := m.Add(RouteSpec{Method: "GET", Path: "health", Handler: noop})
	require.NoError(t, err)
	_, err = m.Add(RouteSpec{Method: "GET", Path: "health", Handler: noop})
	require.NoError(t, err)

	route, _ := m.Find("GET", "/api/v1/health")
	assert.Same(t, first, route)
}

func TestMultipleTypedParams(t *testing.T) {
	m := NewMatcher()
	_, err := m.Add(RouteSpec{
		Method:  "GET",
		Path:    "orders/:id(int)/lines/:line(int)/flag/:f(bool)",
		Handler: noop,
	})
	require.NoError(t, err)

	route, params := m.Find("GET", "/api/v1/orders/9/lines/3/flag/0")
	require.NotNil(t, route)
	assert.Equal(t, map[string]string{"id": "9", "line": "3", "f": "0"}, params)
	assert.NoError(t, ValidateParams(route, params))
}
