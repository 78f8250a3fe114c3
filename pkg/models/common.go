package models

import (
	"github.com/golang-jwt/jwt/v4"
)

const (
	RoleAdmin = `admin`
	RoleUser  = `user`
)

// Claims is issued by the identity service; this service only verifies it.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"userID"`
	Role   string `json:"role"`
}
