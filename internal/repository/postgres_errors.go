package repository

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// 一意制約名
const (
	constraintAthlete      = "connections_provider_athlete_key"
	constraintActiveRecord = "sync_records_active_activity_key"
)

// uniqueViolationOn は一意制約違反ならその制約（インデックス）名を返す。
func uniqueViolationOn(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
