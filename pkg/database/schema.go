package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database carries the relay schema.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"users": {
		"id":         "TEXT",
		"name":       "TEXT",
		"role":       "TEXT",
		"created_at": "DATETIME",
	},
	"threads": {
		"id":         "TEXT",
		"kind":       "TEXT",
		"title":      "TEXT",
		"course_id":  "TEXT",
		"created_at": "DATETIME",
	},
	"thread_participants": {
		"thread_id": "TEXT",
		"user_id":   "TEXT",
	},
	"messages": {
		"id":          "TEXT",
		"client_id":   "TEXT",
		"thread_id":   "TEXT",
		"course_id":   "TEXT",
		"sender_id":   "TEXT",
		"sender_name": "TEXT",
		"body":        "TEXT",
		"created_at":  "DATETIME",
	},
	"schema_migrations": {
		"version":    "TEXT",
		"applied_at": "DATETIME",
	},
}

var requiredIndexes = []string{
	"idx_participants_user",
	"idx_messages_thread_time",
	"idx_threads_course",
	"idx_messages_sender_client",
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTableStructure verifies each table exists with the expected
// column types.
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints exercises the foreign key and check constraints inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO messages (id, thread_id, sender_id, body, created_at)
		VALUES ('constraint-check', 'no-such-thread', 'u1', 'x', CURRENT_TIMESTAMP)`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.thread_id")
	}

	_, err = tx.Exec(`INSERT INTO threads (id, kind) VALUES ('constraint-check', 'broadcast')`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: threads.kind")
	}

	_, err = tx.Exec(`INSERT INTO users (id, role) VALUES ('constraint-check', 'guest')`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: users.role")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != typ {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, typ)
		}
	}
	return nil
}
