package store

import (
	"context"
	"database/sql"

	"buildomat/internal/berrors"
	"buildomat/internal/ids"
	"buildomat/pkg/buildomat"
)

// FactoryAuth resolves a factory by its bearer token.
func (s *Store) FactoryAuth(ctx context.Context, token string) (*buildomat.Factory, error) {
	var f buildomat.Factory
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, token FROM factories WHERE token = ?`, token,
	).Scan(&f.ID, &f.Name, &f.Token)
	if err == sql.ErrNoRows {
		return nil, berrors.Unauthorizedf("invalid factory token")
	}
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return &f, nil
}

// FactoryCreate registers a new factory with a freshly generated token.
func (s *Store) FactoryCreate(ctx context.Context, name string) (*buildomat.Factory, error) {
	f := &buildomat.Factory{ID: ids.New(), Name: name, Token: newSecret()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO factories (id, name, token) VALUES (?, ?, ?)`, f.ID, f.Name, f.Token,
	)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return f, nil
}
