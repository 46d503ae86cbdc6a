package services

import (
	"context"
	"database/sql"
	"fmt"
)

// Pools resolves a datasource name to its live connection pool.
type Pools interface {
	ConnectionFor(name string) (*sql.DB, error)
}

// dbHandle is the built-in database service: it lets load scripts write
// back to any configured datasource without a host application registering
// its own handles.
type dbHandle struct {
	pools Pools
}

// NewDBHandle creates the built-in database handle over the given pools.
func NewDBHandle(pools Pools) Handle {
	return &dbHandle{pools: pools}
}

func (h *dbHandle) Methods() []string {
	return []string{"exec"}
}

// Invoke runs exec(datasource, statement, args...) and returns the number
// of affected rows.
func (h *dbHandle) Invoke(method string, args []any) (any, error) {
	if method != "exec" {
		return nil, fmt.Errorf("unknown method: %s", method)
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("exec needs a datasource name and a statement")
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("exec: datasource name must be a string")
	}
	statement, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("exec: statement must be a string")
	}

	pool, err := h.pools.ConnectionFor(name)
	if err != nil {
		return nil, err
	}
	result, err := pool.ExecContext(context.Background(), statement, args[2:]...)
	if err != nil {
		return nil, fmt.Errorf("exec on %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return int64(0), nil
	}
	return affected, nil
}
