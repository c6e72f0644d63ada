package authgate

import (
	"context"
	"strings"

	"github.com/MrEthical07/authgate/autherr"
	"github.com/MrEthical07/authgate/internal/fallback"
	"github.com/MrEthical07/authgate/provider"
	"github.com/MrEthical07/authgate/session"
)

// GetProfile fetches the current user's profile and caches it on the
// active session. It requires a valid session.
func (e *Engine) GetProfile(ctx context.Context) (*session.UserRef, error) {
	const op = "get_profile"
	if err := e.ready(); err != nil {
		return nil, err
	}
	cur, err := e.requireSession(op)
	if err != nil {
		return nil, err
	}

	u, _, err := e.fetchProfile(ctx, op, cur)
	if err != nil {
		return nil, autherr.WithOp(op, err)
	}
	e.cacheUser(ctx, cur.AccessToken, *u)
	return u, nil
}

func (e *Engine) fetchProfile(ctx context.Context, op string, cur *session.Session) (*session.UserRef, fallback.Decision, error) {
	return fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (*session.UserRef, error) {
			u, err := e.provider.GetUser(ctx)
			if err != nil {
				return nil, err
			}
			if u == nil {
				return nil, autherr.ErrUserNotFound
			}
			ref := e.mapProviderUser(u)
			if ref.ID != "" && cur.User.ID != "" && ref.ID != cur.User.ID {
				return nil, autherr.New(autherr.CodeUnauthenticated, "provider session belongs to another user")
			}
			return ref, nil
		},
		func(ctx context.Context) (*session.UserRef, error) {
			return e.api.Profile(ctx, cur.AccessToken)
		},
	)
}

// UpdateProfile applies a partial update and returns the new profile. It
// requires a valid session.
func (e *Engine) UpdateProfile(ctx context.Context, patch ProfilePatch) (*session.UserRef, error) {
	const op = "update_profile"
	if err := e.ready(); err != nil {
		return nil, err
	}
	if patch.Name == nil && patch.Email == nil {
		return nil, autherr.WithOp(op, autherr.New(autherr.CodeValidation, "profile update is empty"))
	}
	if patch.Name != nil {
		trimmed := strings.TrimSpace(*patch.Name)
		patch.Name = &trimmed
		if err := e.validate.name(trimmed); err != nil {
			return nil, autherr.WithOp(op, err)
		}
	}
	if patch.Email != nil {
		normalized := normalizeEmail(*patch.Email)
		patch.Email = &normalized
		if err := e.validate.email(normalized); err != nil {
			return nil, autherr.WithOp(op, err)
		}
	}
	cur, err := e.requireSession(op)
	if err != nil {
		return nil, err
	}

	u, d, err := e.updateUser(ctx, op, cur, patch)
	fields := auditFields{UserID: cur.User.ID, Email: cur.User.Email, Strategy: Strategy(d.Strategy)}
	if err != nil {
		e.emitAudit(ctx, auditEventProfileUpdate, false, fields, err, nil)
		return nil, autherr.WithOp(op, err)
	}
	e.cacheUser(ctx, cur.AccessToken, *u)
	e.emitAudit(ctx, auditEventProfileUpdate, true, fields, nil, func() map[string]string {
		return map[string]string{
			"name_changed":  boolString(patch.Name != nil),
			"email_changed": boolString(patch.Email != nil),
		}
	})
	return u, nil
}

func (e *Engine) updateUser(ctx context.Context, op string, cur *session.Session, patch ProfilePatch) (*session.UserRef, fallback.Decision, error) {
	return fallback.Run(ctx, e.coord, op,
		func(ctx context.Context) (*session.UserRef, error) {
			up := provider.UserPatch{Email: patch.Email}
			if patch.Name != nil {
				up.Data = map[string]any{"name": *patch.Name}
			}
			u, err := e.provider.UpdateUser(ctx, up)
			if err != nil {
				return nil, err
			}
			if u == nil {
				return nil, autherr.ErrUserNotFound
			}
			return e.mapProviderUser(u), nil
		},
		func(ctx context.Context) (*session.UserRef, error) {
			return e.api.UpdateProfile(ctx, cur.AccessToken, fallback.ProfileUpdate{Name: patch.Name, Email: patch.Email})
		},
	)
}

// ChangeEmail requests an address change through the provider's
// update-user path. Most providers apply it only after confirmation.
func (e *Engine) ChangeEmail(ctx context.Context, newEmail string) (*ChangeEmailResult, error) {
	const op = "change_email"
	if err := e.ready(); err != nil {
		return nil, err
	}
	newEmail = normalizeEmail(newEmail)
	if err := e.validate.email(newEmail); err != nil {
		return nil, autherr.WithOp(op, err)
	}
	cur, err := e.requireSession(op)
	if err != nil {
		return nil, err
	}
	if newEmail == normalizeEmail(cur.User.Email) {
		return nil, autherr.WithOp(op, autherr.New(autherr.CodeValidation, "email is unchanged"))
	}

	u, d, err := e.updateUser(ctx, op, cur, ProfilePatch{Email: &newEmail})
	fields := auditFields{UserID: cur.User.ID, Email: cur.User.Email, Strategy: Strategy(d.Strategy)}
	if err != nil {
		e.emitAudit(ctx, auditEventEmailChangeRequest, false, fields, err, nil)
		return nil, autherr.WithOp(op, err)
	}
	e.cacheUser(ctx, cur.AccessToken, *u)
	e.emitAudit(ctx, auditEventEmailChangeRequest, true, fields, nil, nil)
	return &ChangeEmailResult{NewEmail: newEmail}, nil
}
