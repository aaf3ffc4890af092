package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("email or username already registered")
)

const pgUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findBy(ctx, "email", strings.TrimSpace(strings.ToLower(email)))
}

func (s *Store) FindByID(ctx context.Context, id string) (*User, error) {
	return s.findBy(ctx, "id", id)
}

func (s *Store) findBy(ctx context.Context, column, value string) (*User, error) {
	var found User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, role, status, created_at, updated_at
		FROM users
		WHERE `+column+` = $1
	`, value).Scan(&found.ID, &found.Email, &found.Username, &found.PasswordHash, &found.Role, &found.Status, &found.CreatedAt, &found.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by %s: %w", column, err)
	}

	return &found, nil
}

func (s *Store) Create(ctx context.Context, email, username, plainPassword string) (*User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	created := User{
		ID:           id.String(),
		Email:        strings.TrimSpace(strings.ToLower(email)),
		Username:     strings.TrimSpace(username),
		PasswordHash: string(hash),
		Role:         RoleMember,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, created.ID, created.Email, created.Username, created.PasswordHash, created.Role, created.Status, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return &created, nil
}
