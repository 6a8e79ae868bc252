package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"printchat/internal/auth/models"
	"printchat/pkg/platform/sentinel"
)

// PostgresUserStore persists user principals. Users are durable and never
// auto-deleted, so they live in Postgres rather than the TTL stores.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

const userColumns = `id, external_id, username, name, email, avatar_url, roles,
	points, subscription_status, created_at, updated_at`

func (s *PostgresUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresUserStore) FindByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	return scanUser(row)
}

// Upsert inserts the user or, when the external id already exists, refreshes
// the profile fields that change between logins. Points and created_at are
// preserved on conflict; the unique index on external_id enforces one User
// per upstream identity.
func (s *PostgresUserStore) Upsert(ctx context.Context, user *models.User) (*models.User, error) {
	id := user.ID
	if id == "" {
		id = uuid.NewString()
	}
	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = string(r)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (external_id) DO UPDATE SET
			username = EXCLUDED.username,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			avatar_url = EXCLUDED.avatar_url,
			roles = EXCLUDED.roles,
			subscription_status = EXCLUDED.subscription_status,
			updated_at = EXCLUDED.updated_at
		RETURNING `+userColumns,
		id, user.ExternalID, user.Username, user.Name, user.Email,
		user.AvatarURL, pq.Array(roles), user.Points, user.SubscriptionStatus,
		user.CreatedAt, user.UpdatedAt)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var roles []string
	err := row.Scan(&user.ID, &user.ExternalID, &user.Username, &user.Name,
		&user.Email, &user.AvatarURL, pq.Array(&roles), &user.Points,
		&user.SubscriptionStatus, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	user.Roles = make([]models.Role, len(roles))
	for i, r := range roles {
		user.Roles[i] = models.Role(r)
	}
	return &user, nil
}
