package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routeDTO struct {
	Name     string   `json:"name" validate:"required"`
	Priority int      `json:"priority" validate:"gte=0,lte=1000"`
	Scheme   string   `json:"scheme" validate:"omitempty,oneof=http https"`
	Methods  []string `json:"methods" validate:"min=1"`
}

func fieldsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	return valErr.Fields()
}

func TestValidate_Passes(t *testing.T) {
	dto := routeDTO{Name: "users", Priority: 10, Scheme: "https", Methods: []string{"GET"}}
	assert.NoError(t, Validate(dto))
}

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	dto := routeDTO{Priority: 10, Methods: []string{"GET"}}
	err := Validate(dto)
	require.Error(t, err)

	fields := fieldsOf(t, err)
	assert.Contains(t, fields, "name", "wire name, not Go field name")
	assert.NotContains(t, fields, "Name")
	assert.Equal(t, "is required", fields["name"])
}

func TestValidate_RangeBounds(t *testing.T) {
	dto := routeDTO{Name: "users", Priority: 5000, Methods: []string{"GET"}}
	fields := fieldsOf(t, Validate(dto))
	assert.Contains(t, fields["priority"], "1000")
}

func TestValidate_OneOf(t *testing.T) {
	dto := routeDTO{Name: "users", Scheme: "ftp", Methods: []string{"GET"}}
	fields := fieldsOf(t, Validate(dto))
	assert.Equal(t, "must be one of: http, https", fields["scheme"])
}

func TestValidate_MinOnSlice(t *testing.T) {
	dto := routeDTO{Name: "users"}
	fields := fieldsOf(t, Validate(dto))
	assert.Contains(t, fields["methods"], "at least 1")
}

func TestValidate_CollectsEveryFailure(t *testing.T) {
	err := Validate(routeDTO{Scheme: "ftp"})
	require.Error(t, err)

	fields := fieldsOf(t, err)
	assert.Len(t, fields, 3)
	assert.Contains(t, err.Error(), "field 'name'")
	assert.Contains(t, err.Error(), "field 'scheme'")
}

type keyedDTO struct {
	ID   string `json:"-" validate:"uuid"`
	Addr string `json:"addr" validate:"hostname_port"`
}

func TestValidate_DashJSONTagFallsBackToFieldName(t *testing.T) {
	dto := keyedDTO{ID: "nope", Addr: "db:5432"}
	fields := fieldsOf(t, Validate(dto))
	assert.Equal(t, "must be a valid UUID", fields["ID"])
}

func TestValidate_HostPort(t *testing.T) {
	dto := keyedDTO{ID: "550e8400-e29b-41d4-a716-446655440000", Addr: "no-port"}
	fields := fieldsOf(t, Validate(dto))
	assert.Equal(t, "must be host:port", fields["addr"])
}

func TestValidate_UnknownTagNamesTheTag(t *testing.T) {
	type ipDTO struct {
		IP string `json:"ip" validate:"ip"`
	}
	fields := fieldsOf(t, Validate(ipDTO{IP: "not-an-ip"}))
	assert.Equal(t, "violates 'ip'", fields["ip"])
}

func TestValidate_NonStructSurfacesRawError(t *testing.T) {
	err := Validate(42)
	require.Error(t, err)
	var valErr *ValidationError
	assert.False(t, errors.As(err, &valErr), "not a constraint failure")
}
