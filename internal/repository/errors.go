package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// isUniqueViolation は一意制約違反のエラーかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// expectOneRow は更新件数が0件の場合にエラーを返す。
func expectOneRow(result sql.Result, msg string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	if rows == 0 {
		return errors.New(msg)
	}
	return nil
}

// nullFloat はnilをNULLとして扱うsql.NullFloat64に変換する。
func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// floatPtr はsql.NullFloat64からポインタを取得する。
func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
