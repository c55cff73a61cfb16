package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrActivePickupExists indicates the child already has a pending or called request.
	ErrActivePickupExists = errors.New("active pickup request already exists for student")
	// ErrPickupStatusMismatch indicates the compare-and-swap on status lost.
	ErrPickupStatusMismatch = errors.New("pickup request status does not match expected state")
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
