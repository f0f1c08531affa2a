package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.pilab.hu/fedlogin/domain"
	flowerr "go.pilab.hu/fedlogin/errors"
	"go.pilab.hu/fedlogin/internal/idtoken"
	"go.pilab.hu/fedlogin/log"
)

// ResolverPolicy carries the account-creation policy knobs, copied out
// of the configuration at construction.
type ResolverPolicy struct {
	AllowSignup          bool
	RequireVerifiedEmail bool
	// SkipEmailVerifyStrategies lists provider strategies exempt from
	// the verified-email requirement (e.g. enterprise connections that
	// never set email_verified).
	SkipEmailVerifyStrategies []string
}

// ResolveUserHook is a pluggable resolution override, invoked before
// the mapping store lookup. Returning handled=true short-circuits the
// default resolution with the returned user (nil meaning "no account,
// proceed to creation policy").
type ResolveUserHook func(ctx context.Context, claims *idtoken.Claims) (user *domain.User, handled bool, err error)

// IdentityResolver maps external subjects to local user accounts,
// creating accounts on first login and syncing profile data on every
// login.
type IdentityResolver struct {
	users      domain.UserRepository
	identities domain.FederatedIdentityRepository
	policy     ResolverPolicy
	logger     log.Logger
	hooks      []ResolveUserHook
}

func NewIdentityResolver(
	users domain.UserRepository,
	identities domain.FederatedIdentityRepository,
	policy ResolverPolicy,
	logger log.Logger,
	hooks ...ResolveUserHook,
) *IdentityResolver {
	return &IdentityResolver{
		users:      users,
		identities: identities,
		policy:     policy,
		logger:     logger,
		hooks:      hooks,
	}
}

// Find resolves a single subject to a local user. An unmapped subject
// is a nil result, not an error.
func (r *IdentityResolver) Find(ctx context.Context, subject string) (*domain.User, error) {
	ident, err := r.identities.GetBySubject(ctx, subject)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mapping lookup for subject failed: %w", err)
	}

	user, err := r.users.GetUserByID(ctx, ident.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		// Dangling mapping: the account was removed out-of-band. Treat
		// as unmapped; the login flow decides whether to re-create.
		r.logger.Warn(ctx, "federated identity mapping points at a missing user",
			map[string]any{"subject": subject, "user_id": ident.UserID})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	return user, nil
}

// Resolve runs the full reconciliation for a validated token: linked
// identities first (provider list order, first match wins), then the
// direct subject; sync on a hit, policy-checked creation on a miss.
// The bool result reports whether a new local account was created.
func (r *IdentityResolver) Resolve(ctx context.Context, claims *idtoken.Claims, rawIDToken, accessToken string) (*domain.User, bool, error) {
	for _, hook := range r.hooks {
		user, handled, err := hook(ctx, claims)
		if err != nil {
			return nil, false, err
		}
		if !handled {
			continue
		}
		if user != nil {
			return r.syncExisting(ctx, user, claims.Subject, claims), false, nil
		}
		break
	}

	// The identities list order is supplied by the provider and is the
	// only tie-break; see DESIGN.md for the account-confusion caveat.
	subjects := []string{claims.Subject}
	if len(claims.Identities) > 0 {
		subjects = subjects[:0]
		for _, ident := range claims.Identities {
			subjects = append(subjects, ident.Subject())
		}
	}

	for _, subject := range subjects {
		user, err := r.Find(ctx, subject)
		if err != nil {
			return nil, false, err
		}
		if user != nil {
			return r.syncExisting(ctx, user, subject, claims), false, nil
		}
	}

	return r.Create(ctx, claims, rawIDToken, accessToken)
}

// Create makes a new local account and its subject mapping. The
// mapping insert is guarded by a storage-level uniqueness constraint:
// when two first-time logins race, the losing insert fails closed and
// Create resolves to the winner's account instead of a duplicate. The
// bool result reports whether a fresh account was inserted (false when
// a lost race adopted the winner's account).
func (r *IdentityResolver) Create(ctx context.Context, claims *idtoken.Claims, rawIDToken, accessToken string) (*domain.User, bool, error) {
	if !r.policy.AllowSignup {
		return nil, false, flowerr.NewRegistrationNotEnabled()
	}

	if r.emailVerificationRequired(claims.Strategy()) {
		if claims.Email == "" {
			return nil, false, flowerr.NewLoginFlowValidation("missing_email",
				"This account does not have an email address, which is required for registration.")
		}
		if !claims.EmailVerified {
			return nil, false, flowerr.NewEmailNotVerified(claims.Raw)
		}
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:          uuid.NewString(),
		Email:       claims.Email,
		Name:        claims.Name,
		Nickname:    claims.Nickname,
		Picture:     claims.Picture,
		Description: claims.BestDescription(),
		Status:      domain.UserStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.users.CreateUser(ctx, user); err != nil {
		return nil, false, flowerr.NewCouldNotCreateUser(fmt.Sprintf("failed to create user: %v", err))
	}

	mapping := &domain.FederatedIdentity{
		UserID:      user.ID,
		Subject:     claims.Subject,
		Profile:     claims.Raw,
		IDToken:     rawIDToken,
		AccessToken: accessToken,
	}
	err := r.identities.Create(ctx, mapping)
	if err == nil {
		r.logger.Info(ctx, "new user created via federated login",
			map[string]any{"user_id": user.ID, "subject": claims.Subject})
		return user, true, nil
	}

	// Roll back the orphaned user row in either failure case.
	if delErr := r.users.DeleteUser(ctx, user.ID); delErr != nil {
		r.logger.Warn(ctx, "failed to remove orphaned user after mapping insert failure",
			map[string]any{"user_id": user.ID}, map[string]any{"delete_error": delErr.Error()})
	}

	if errors.Is(err, domain.ErrAlreadyExists) {
		// Lost the creation race; the winner's mapping is in place.
		winner, findErr := r.Find(ctx, claims.Subject)
		if findErr == nil && winner != nil {
			r.logger.Info(ctx, "concurrent first login resolved to existing account",
				map[string]any{"user_id": winner.ID, "subject": claims.Subject})
			return winner, false, nil
		}
		return nil, false, flowerr.NewCouldNotCreateUser("mapping conflict during account creation")
	}
	return nil, false, flowerr.NewCouldNotCreateUser(fmt.Sprintf("failed to create identity mapping: %v", err))
}

// Update performs the idempotent per-login profile sync: email change,
// description backfill, last-login stamp. Partial failures are logged
// and never fail the login.
func (r *IdentityResolver) Update(ctx context.Context, user *domain.User, subject string, claims *idtoken.Claims) {
	changed := false
	if claims.Email != "" && claims.Email != user.Email {
		user.Email = claims.Email
		changed = true
	}
	if desc := claims.BestDescription(); desc != "" && desc != user.Description {
		user.Description = desc
		changed = true
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now
	user.UpdatedAt = now

	if err := r.users.UpdateUser(ctx, user); err != nil {
		r.logger.Warn(ctx, "best-effort user profile sync failed",
			map[string]any{"user_id": user.ID, "changed": changed, "error": err.Error()})
	}
	if err := r.identities.UpdateProfile(ctx, subject, claims.Raw); err != nil {
		r.logger.Warn(ctx, "best-effort mapping profile sync failed",
			map[string]any{"user_id": user.ID, "subject": subject, "error": err.Error()})
	}
}

func (r *IdentityResolver) syncExisting(ctx context.Context, user *domain.User, subject string, claims *idtoken.Claims) *domain.User {
	r.Update(ctx, user, subject, claims)
	return user
}

func (r *IdentityResolver) emailVerificationRequired(strategy string) bool {
	if !r.policy.RequireVerifiedEmail {
		return false
	}
	for _, skip := range r.policy.SkipEmailVerifyStrategies {
		if skip == strategy {
			return false
		}
	}
	return true
}
