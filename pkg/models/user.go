package models

import (
	"time"
)

// User is the slice of the user record this service needs: identity and a display name.
type User struct {
	ID        int64     `json:"id" db:"id"`
	LastName  string    `json:"lastName" db:"last_name"`
	FirstName string    `json:"firstName" db:"first_name"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
