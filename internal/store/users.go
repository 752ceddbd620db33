package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"buildomat/internal/berrors"
	"buildomat/internal/ids"
	"buildomat/pkg/buildomat"
)

// UserAuth resolves a user by opaque bearer token.
func (s *Store) UserAuth(ctx context.Context, token string) (*buildomat.User, error) {
	u, err := s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, token, privileges, time_create FROM users WHERE token = ?`, token))
	if err != nil {
		if berrors.KindOf(err) == berrors.NotFound {
			return nil, berrors.Unauthorizedf("invalid token")
		}
		return nil, err
	}
	return u, nil
}

// UserEnsure idempotently creates a user by name if missing, returning the
// existing or newly created record. Used both for direct user creation
// and for X-Buildomat-Delegate impersonation targets.
func (s *Store) UserEnsure(ctx context.Context, name string) (*buildomat.User, error) {
	var u *buildomat.User
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, name, token, privileges, time_create FROM users WHERE name = ?`, name)
		existing, err := s.scanUserRow(row)
		if err == nil {
			u = existing
			return nil
		}
		if berrors.KindOf(err) != berrors.NotFound {
			return err
		}

		created := &buildomat.User{
			ID:         ids.New(),
			Name:       name,
			Token:      newSecret(),
			Privileges: map[string]struct{}{},
		}
		priv, _ := json.Marshal([]string{})
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, name, token, privileges, time_create) VALUES (?, ?, ?, ?, ?)`,
			created.ID, created.Name, created.Token, string(priv), formatTime(time.Now().UTC()),
		); err != nil {
			return err
		}
		u = created
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return u, nil
}

// UserByName looks up a user by exact name, without creating one if
// missing (unlike UserEnsure), for read-only lookups such as the public
// file endpoint.
func (s *Store) UserByName(ctx context.Context, name string) (*buildomat.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, token, privileges, time_create FROM users WHERE name = ?`, name))
}

// UserGrantPrivilege adds a dotted privilege string to the user's set.
func (s *Store) UserGrantPrivilege(ctx context.Context, userID, privilege string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT privileges FROM users WHERE id = ?`, userID).Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return berrors.NotFoundf("user %s not found", userID)
			}
			return err
		}
		var privs []string
		_ = json.Unmarshal([]byte(raw), &privs)
		for _, p := range privs {
			if p == privilege {
				return nil
			}
		}
		privs = append(privs, privilege)
		encoded, _ := json.Marshal(privs)
		_, err := tx.ExecContext(ctx, `UPDATE users SET privileges = ? WHERE id = ?`, string(encoded), userID)
		return err
	})
}

func (s *Store) scanUser(row *sql.Row) (*buildomat.User, error) {
	return s.scanUserRow(row)
}

func (s *Store) scanUserRow(row *sql.Row) (*buildomat.User, error) {
	var u buildomat.User
	var privRaw, timeCreate string
	if err := row.Scan(&u.ID, &u.Name, &u.Token, &privRaw, &timeCreate); err != nil {
		if err == sql.ErrNoRows {
			return nil, berrors.NotFoundf("user not found")
		}
		return nil, berrors.Internalf(err)
	}
	var privs []string
	_ = json.Unmarshal([]byte(privRaw), &privs)
	u.Privileges = make(map[string]struct{}, len(privs))
	for _, p := range privs {
		u.Privileges[p] = struct{}{}
	}
	if t, err := parseTime(timeCreate); err == nil {
		u.TimeCreate = t
	}
	return &u, nil
}
