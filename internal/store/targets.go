package store

import (
	"context"
	"database/sql"
	"fmt"

	"buildomat/internal/berrors"
	"buildomat/internal/ids"
	"buildomat/pkg/buildomat"
)

// maxRedirectHops bounds target_resolve's redirect-following so a cyclic
// configuration cannot hang a request (spec.md §8: "target_resolve
// terminates (no cycles); redirect chains are finite").
const maxRedirectHops = 32

// TargetResolve follows redirect_to transitively until a terminal target,
// or returns nil if name does not resolve to any target.
func (s *Store) TargetResolve(ctx context.Context, name string) (*buildomat.Target, error) {
	seen := make(map[string]struct{})
	for hops := 0; hops < maxRedirectHops; hops++ {
		if _, looped := seen[name]; looped {
			return nil, berrors.Internalf(fmt.Errorf("redirect cycle detected at target %q", name))
		}
		seen[name] = struct{}{}

		t, err := s.targetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		if t.RedirectTo == "" {
			return t, nil
		}
		name = t.RedirectTo
	}
	return nil, berrors.Internalf(fmt.Errorf("redirect chain for target too long"))
}

func (s *Store) targetByName(ctx context.Context, name string) (*buildomat.Target, error) {
	var t buildomat.Target
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, required_privilege, redirect_to FROM targets WHERE name = ?`, name,
	).Scan(&t.ID, &t.Name, &t.RequiredPrivilege, &t.RedirectTo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return &t, nil
}

// TargetCreate creates a new named target.
func (s *Store) TargetCreate(ctx context.Context, name, requiredPrivilege string) (*buildomat.Target, error) {
	t := &buildomat.Target{ID: ids.New(), Name: name, RequiredPrivilege: requiredPrivilege}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, name, required_privilege) VALUES (?, ?, ?)`,
		t.ID, t.Name, t.RequiredPrivilege,
	)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return t, nil
}

// TargetRename sets oldName's redirect_to to newName, so existing jobs
// that already resolved oldName keep working while new submissions of
// oldName are transparently redirected.
func (s *Store) TargetRename(ctx context.Context, oldName, newName string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE targets SET redirect_to = ? WHERE name = ?`, newName, oldName)
	if err != nil {
		return berrors.Internalf(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return berrors.NotFoundf("target %s not found", oldName)
	}
	return nil
}

// TargetRequirePrivilege sets the privilege required to submit against a
// target; empty string clears the requirement.
func (s *Store) TargetRequirePrivilege(ctx context.Context, name, privilege string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE targets SET required_privilege = ? WHERE name = ?`, privilege, name)
	if err != nil {
		return berrors.Internalf(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return berrors.NotFoundf("target %s not found", name)
	}
	return nil
}
