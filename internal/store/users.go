package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

type userRow struct {
	ID        int64          `db:"id"`
	Username  string         `db:"username"`
	AvatarURL sql.NullString `db:"avatar_url"`
	Active    bool           `db:"active"`
	CreatedAt string         `db:"created_at"`
	UpdatedAt string         `db:"updated_at"`
}

// ListUsers returns every stored user ordered by id.
func (q *Queries) ListUsers(ctx context.Context) ([]model.User, error) {
	var rows []userRow
	err := q.selectInto(ctx, &rows, q.builder.
		Select("id", "username", "avatar_url", "active", "created_at", "updated_at").
		From("users").
		OrderBy("id ASC"))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	users := make([]model.User, 0, len(rows))
	for _, r := range rows {
		u := model.User{ID: r.ID, Username: r.Username, AvatarURL: r.AvatarURL.String, Active: r.Active}
		if u.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
			return nil, err
		}
		if u.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// InsertUsers creates users.
func (q *Queries) InsertUsers(ctx context.Context, users []model.User) error {
	for _, chunk := range chunks(users, maxBatch) {
		ins := q.builder.Insert("users").Columns("id", "username", "avatar_url", "active", "created_at", "updated_at")
		for _, u := range chunk {
			ins = ins.Values(u.ID, u.Username, nullString(u.AvatarURL), u.Active, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
		}
		if _, err := q.exec(ctx, ins); err != nil {
			return fmt.Errorf("failed to insert users: %w", err)
		}
	}
	return nil
}

// UpdateUsers writes profile fields and the active flag of existing users.
func (q *Queries) UpdateUsers(ctx context.Context, users []model.User) error {
	for _, u := range users {
		upd := q.builder.Update("users").
			Set("username", u.Username).
			Set("avatar_url", nullString(u.AvatarURL)).
			Set("active", u.Active).
			Set("updated_at", formatTime(u.UpdatedAt)).
			Where(sq.Eq{"id": u.ID})
		if _, err := q.exec(ctx, upd); err != nil {
			return fmt.Errorf("failed to update user %d: %w", u.ID, err)
		}
	}
	return nil
}
