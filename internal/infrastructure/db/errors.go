package db

import (
	"errors"

	"github.com/drmaatic/backend/internal/core/ports"
	"gorm.io/gorm"
)

// translate maps driver level misses onto the repository sentinel.
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ports.ErrNotFound
	}
	return err
}
