package backend

import (
	"context"
	"errors"

	"github.com/ruteri/tee-envelope-signer/interfaces"
)

// WithLoadedKey loads the key described by the template, runs fn with the
// active handle, and unloads the key on every exit path. The unload happens
// exactly once whether fn succeeds, fails, or panics. An unload failure is
// joined with fn's error so neither is lost.
func WithLoadedKey(ctx context.Context, b interfaces.SigningBackend, template interfaces.KeyTemplate, parent *interfaces.KeyHandle, auth interfaces.KeyAuth, fn func(handle *interfaces.KeyHandle) error) (err error) {
	handle, err := b.LoadKey(ctx, template, parent, auth)
	if err != nil {
		return err
	}
	defer func() {
		if unloadErr := b.UnloadKey(ctx, handle); unloadErr != nil {
			err = errors.Join(err, unloadErr)
		}
	}()

	return fn(handle)
}
