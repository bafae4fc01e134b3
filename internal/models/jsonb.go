package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB carries the opaque metadata payload of a usage event. Backed
// by map[string]any; implements driver.Valuer / sql.Scanner so it maps
// to a Postgres jsonb column through sqlx.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSONB: cannot scan %T", value)
	}

	if len(b) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(b, j)
}
