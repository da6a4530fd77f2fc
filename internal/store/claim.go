package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============================================================================
// Conditional claim primitive
// ============================================================================
//
// Both the task lock manager and the background job scheduler claim rows the
// same way: the predicate that makes a row claimable is part of the statement
// itself, and the affected row count says whether *this* call won.
//
//   ClaimInsert  INSERT ... ON CONFLICT (unique cols) DO NOTHING
//   ClaimUpdate  UPDATE ... SET ... WHERE <predicate>
//
// Neither reads before writing, so there is no window between "check" and
// "claim" for another process to slip into.

// ClaimInsert inserts row unless a row with the same values in conflictCols
// already exists. It reports whether this call created the row.
func ClaimInsert(tx *gorm.DB, row any, conflictCols ...string) (bool, error) {
	cols := make([]clause.Column, 0, len(conflictCols))
	for _, c := range conflictCols {
		cols = append(cols, clause.Column{Name: c})
	}
	res := tx.Clauses(clause.OnConflict{Columns: cols, DoNothing: true}).Create(row)
	if res.Error != nil {
		if IsUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimUpdate applies updates to the rows of model matching the predicate and
// reports whether at least one row was changed.
func ClaimUpdate(tx *gorm.DB, model any, updates map[string]any, predicate string, args ...any) (bool, error) {
	res := tx.Model(model).Where(predicate, args...).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsUniqueViolation reports whether err is a unique or primary key conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
