package models

import "time"

type Account struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	// ResetToken and ResetTokenExpiry (epoch milliseconds) are set together
	// and cleared together.
	ResetToken       *string `json:"-" db:"reset_token"`
	ResetTokenExpiry *int64  `json:"-" db:"reset_token_expiry"`
}
