package models

import "time"

// User is the directory record a refresh token is issued against.
type User struct {
	Username  string    `db:"username"`
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"`
	IsBlocked bool      `db:"is_blocked"`
	CreatedAt time.Time `db:"created_at"`
}
