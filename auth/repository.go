package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"jobmarket/db"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	// StarterCredits seeds a provider profile's credit balance.
	StarterCredits int
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool db.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `u.id, u.email, u.full_name, u.password_hash, u.role, p.id::text, u.created_at, u.updated_at`

// CreateUser inserts a new user with hashed password. Provider accounts get
// their provider profile and starter-credit log entry in the same transaction.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("auth: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, full_name, password_hash, role, NULL::text, created_at, updated_at
	`

	user, err := scanUser(tx.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	if params.Role == RoleProvider {
		var providerID string
		if err := tx.QueryRow(ctx, `
			INSERT INTO providers (user_id, display_name, credit_balance)
			VALUES ($1, $2, $3)
			RETURNING id::text
		`, user.ID, params.FullName, params.StarterCredits).Scan(&providerID); err != nil {
			return User{}, fmt.Errorf("auth: create provider profile: %w", err)
		}
		if params.StarterCredits > 0 {
			if _, err := tx.Exec(ctx, `
				INSERT INTO credit_transactions (provider_id, kind, delta, balance_after, note)
				VALUES ($1, 'ALLOCATION', $2, $2, 'starter credits')
			`, providerID, params.StarterCredits); err != nil {
				return User{}, fmt.Errorf("auth: log starter credits: %w", err)
			}
		}
		user.ProviderID = &providerID
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("auth: commit user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email address.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	selectSQL := `
		SELECT ` + userColumns + `
		FROM users u
		LEFT JOIN providers p ON p.user_id = u.id
		WHERE u.email = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by email: %w", err)
	}

	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	selectSQL := `
		SELECT ` + userColumns + `
		FROM users u
		LEFT JOIN providers p ON p.user_id = u.id
		WHERE u.id = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}

	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user       User
		providerID *string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.Role,
		&providerID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.ProviderID = providerID
	return user, nil
}
