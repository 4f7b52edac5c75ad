package govern

import "context"

// RecoveryState names a step of the interactive account-access flow.
type RecoveryState string

const (
	// StateLogin is the initial and terminal state.
	StateLogin RecoveryState = "login"
	// StateRegister is reached from login via an explicit switch.
	StateRegister RecoveryState = "register"
	// StateRecoverIdentify waits for the identifier to be confirmed.
	StateRecoverIdentify RecoveryState = "recover_identify"
	// StateRecoverReset waits for the replacement password.
	StateRecoverReset RecoveryState = "recover_reset"
	// StateRecoverDone waits for the caller to acknowledge.
	StateRecoverDone RecoveryState = "recover_done"
)

// Recovery drives one interactive session of the login/register/
// recovery flow. The only path to a password reset is a successful
// identify in the same session; there is no transition that skips the
// identify step. Recovery is not safe for concurrent use; each
// interactive session owns its own instance.
type Recovery struct {
	auth      *Authority
	state     RecoveryState
	accountID string
}

// NewRecovery returns a session positioned at the login state.
func NewRecovery(auth *Authority) *Recovery {
	return &Recovery{auth: auth, state: StateLogin}
}

// State returns the current state.
func (r *Recovery) State() RecoveryState {
	return r.state
}

// SwitchToRegister moves login -> register.
func (r *Recovery) SwitchToRegister() error {
	if r.state != StateLogin {
		return ErrInvalidTransition
	}
	r.state = StateRegister
	return nil
}

// SwitchToLogin moves register -> login.
func (r *Recovery) SwitchToLogin() error {
	if r.state != StateRegister {
		return ErrInvalidTransition
	}
	r.state = StateLogin
	return nil
}

// Forgot moves login -> recover_identify.
func (r *Recovery) Forgot() error {
	if r.state != StateLogin {
		return ErrInvalidTransition
	}
	r.state = StateRecoverIdentify
	return nil
}

// Identify confirms the identifier exists. On success the session
// advances to recover_reset and, when a verifier is configured, the
// out-of-band possession proof is started. On failure the session
// stays in recover_identify and the error is surfaced to the caller.
func (r *Recovery) Identify(ctx context.Context, identifier string) error {
	if r.state != StateRecoverIdentify {
		return ErrInvalidTransition
	}

	id := NormalizeAccountID(identifier)
	exists, err := r.auth.CheckEmail(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrAccountNotFound
	}

	if v := r.auth.cfg.Verifier; v != nil {
		if err := v.Begin(ctx, id); err != nil {
			return err
		}
	}

	r.accountID = id
	r.state = StateRecoverReset
	return nil
}

// Reset replaces the password for the identified account and advances
// to recover_done. When a verifier is configured the supplied token
// must pass its possession check first; otherwise token is ignored.
func (r *Recovery) Reset(ctx context.Context, newPassword, token string) error {
	if r.state != StateRecoverReset {
		return ErrInvalidTransition
	}

	if v := r.auth.cfg.Verifier; v != nil {
		if err := v.Verify(ctx, r.accountID, token); err != nil {
			return err
		}
	}

	if err := r.auth.ResetPassword(ctx, r.accountID, newPassword); err != nil {
		return err
	}
	r.state = StateRecoverDone
	return nil
}

// Acknowledge moves recover_done back to login.
func (r *Recovery) Acknowledge() error {
	if r.state != StateRecoverDone {
		return ErrInvalidTransition
	}
	r.accountID = ""
	r.state = StateLogin
	return nil
}
