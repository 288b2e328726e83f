// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ManuGH/reelctl/internal/domain"
)

func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("repository: %s %s: %w", kind, id, domain.ErrNotFound)
	}
	return fmt.Errorf("repository: get %s %s: %w", kind, id, err)
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: rows affected for %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("repository: %s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}
