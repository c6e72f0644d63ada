package provider

import "context"

// Normalize wraps p so that every error it returns is an *autherr.Error.
// Wrapping an already normalized provider returns it unchanged.
func Normalize(p Provider) Provider {
	if p == nil {
		return nil
	}
	if _, ok := p.(*normalized); ok {
		return p
	}
	return &normalized{next: p}
}

type normalized struct {
	next Provider
}

func (n *normalized) SignIn(ctx context.Context, email, password string) (Result, error) {
	res, err := n.next.SignIn(ctx, email, password)
	return res, NormalizeError(err)
}

func (n *normalized) SignUp(ctx context.Context, email, password string, attrs Attributes) (Result, error) {
	res, err := n.next.SignUp(ctx, email, password, attrs)
	return res, NormalizeError(err)
}

func (n *normalized) SignOut(ctx context.Context) error {
	return NormalizeError(n.next.SignOut(ctx))
}

func (n *normalized) GetUser(ctx context.Context) (*User, error) {
	u, err := n.next.GetUser(ctx)
	return u, NormalizeError(err)
}

func (n *normalized) UpdateUser(ctx context.Context, patch UserPatch) (*User, error) {
	u, err := n.next.UpdateUser(ctx, patch)
	return u, NormalizeError(err)
}

func (n *normalized) ResetPasswordForEmail(ctx context.Context, email string) error {
	return NormalizeError(n.next.ResetPasswordForEmail(ctx, email))
}

func (n *normalized) VerifyOTP(ctx context.Context, tokenHash string, otpType OTPType) (Result, error) {
	res, err := n.next.VerifyOTP(ctx, tokenHash, otpType)
	return res, NormalizeError(err)
}

func (n *normalized) Resend(ctx context.Context, otpType OTPType, email string) error {
	return NormalizeError(n.next.Resend(ctx, otpType, email))
}

func (n *normalized) GetSession(ctx context.Context) (*Session, error) {
	s, err := n.next.GetSession(ctx)
	return s, NormalizeError(err)
}

func (n *normalized) RefreshSession(ctx context.Context, refreshToken string) (Result, error) {
	res, err := n.next.RefreshSession(ctx, refreshToken)
	return res, NormalizeError(err)
}

func (n *normalized) OnAuthStateChange(fn StateChangeFunc) func() {
	unsubscribe := n.next.OnAuthStateChange(fn)
	if unsubscribe == nil {
		return func() {}
	}
	return unsubscribe
}
