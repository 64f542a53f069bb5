// Package model holds the GORM row types persisted by pkg/db's MySQL
// backend: the admin surface's own operator accounts, distinct from the
// network/member records pkg/controller/store persists through Backend.
package model

import "time"

// Operator is an account allowed to authenticate against the admin HTTP
// surface (pkg/controller/hooks.AdminServer); the first Operator created
// closes registration (see AdminServer.handleRegister).
type Operator struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}
