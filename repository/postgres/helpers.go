package postgres

import (
	"encoding/json"
	"errors"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eventcrm/backend/domain"
)

// uniqueViolation is the Postgres error code raised when a concurrent writer
// already claimed a sequence number.
const uniqueViolation = "23505"

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// qualifiedTable renders "schema"."table" after validating the schema name.
// Schema names come from the tenant registry, but they still end up spliced
// into SQL, so they are validated on every use.
func qualifiedTable(schema, table string) (string, error) {
	if !schemaNamePattern.MatchString(schema) {
		return "", domain.WrapError(domain.ErrCodeTenantUnavailable, "invalid tenant schema name", nil)
	}
	return pgx.Identifier{schema, table}.Sanitize(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func marshalMetadata(md domain.Metadata) []byte {
	b, err := json.Marshal(md)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func unmarshalMetadata(b []byte, md *domain.Metadata) error {
	return json.Unmarshal(b, md)
}
