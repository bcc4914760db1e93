package fleet

import (
	"errors"
	"fmt"

	"futuresfleet/internal/bot"
	"futuresfleet/internal/credential"
	"futuresfleet/internal/exchange"
)

// Failures returned by Start and Stop. Callers branch with errors.Is.
var (
	ErrCapacityExceeded  = errors.New("fleet is at capacity")
	ErrRateLimited       = errors.New("too many starts for this credential, retry in a few minutes")
	ErrInvalidCredential = exchange.ErrInvalidCredential
	ErrUnsupportedSymbol = exchange.ErrUnsupportedSymbol
	ErrNotRunning        = errors.New("no running bot for user")
	ErrInvalidSettings   = bot.ErrInvalidSettings
	ErrShutdown          = errors.New("fleet is shutting down")
)

// credentialError folds every way a credential can be unusable into ErrInvalidCredential.
func credentialError(err error) error {
	if err == nil || errors.Is(err, ErrInvalidCredential) {
		return err
	}
	if errors.Is(err, credential.ErrDecrypt) || errors.Is(err, credential.ErrMissing) {
		return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return err
}
