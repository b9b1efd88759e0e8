package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/applyforge/applyforge-api/internal/models"
)

// PostgresUserRepository implements UserRepository.
type PostgresUserRepository struct {
	writer *sqlx.DB
	reader func() *sqlx.DB
}

// NewUserRepository creates a user repository.
func NewUserRepository(writer *sqlx.DB, reader func() *sqlx.DB) *PostgresUserRepository {
	if reader == nil {
		reader = func() *sqlx.DB { return writer }
	}
	return &PostgresUserRepository{writer: writer, reader: reader}
}

func (r *PostgresUserRepository) Create(ctx context.Context, user *models.User) error {
	user.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO users (id, email, password_hash, roles, plan_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.writer.ExecContext(ctx, query,
		user.ID, user.Email, user.PasswordHash,
		strings.Join(user.Roles, ","), user.PlanID, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	// Login immediately follows registration often enough that this read
	// demands read-after-write consistency: use the writer.
	return r.scanUser(ctx, r.writer,
		`SELECT id, email, password_hash, roles, plan_id, created_at FROM users WHERE email = $1`, email)
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.scanUser(ctx, r.reader(),
		`SELECT id, email, password_hash, roles, plan_id, created_at FROM users WHERE id = $1`, id)
}

func (r *PostgresUserRepository) ResolveSubject(ctx context.Context, userID string) ([]string, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Roles, nil
}

func (r *PostgresUserRepository) scanUser(ctx context.Context, db *sqlx.DB, query string, arg any) (*models.User, error) {
	var row struct {
		ID           string    `db:"id"`
		Email        string    `db:"email"`
		PasswordHash string    `db:"password_hash"`
		Roles        string    `db:"roles"`
		PlanID       string    `db:"plan_id"`
		CreatedAt    time.Time `db:"created_at"`
	}
	err := db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	user := &models.User{
		ID:           row.ID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		PlanID:       row.PlanID,
		CreatedAt:    row.CreatedAt,
	}
	if row.Roles != "" {
		user.Roles = strings.Split(row.Roles, ",")
	}
	return user, nil
}

// isUniqueViolation matches the postgres unique_violation SQLSTATE without
// binding the repository to a specific driver error type.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
