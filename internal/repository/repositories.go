package repository

import (
	"github.com/applyforge/applyforge-api/internal/database"
)

// Repositories aggregates the data-access layer for constructor wiring.
type Repositories struct {
	Jobs          JobRepository
	Users         UserRepository
	Subscriptions SubscriptionRepository
}

// New wires every repository over the router's two faces.
func New(router *database.Router) *Repositories {
	return &Repositories{
		Jobs:          NewJobRepository(router.Writer(), router.Reader),
		Users:         NewUserRepository(router.Writer(), router.Reader),
		Subscriptions: NewSubscriptionRepository(router.Writer(), router.Reader),
	}
}
