package models

import (
	"time"

	"github.com/google/uuid"
)

// User role enums.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
