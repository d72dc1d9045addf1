package qwen

import "errors"

// ErrNoAccountsAvailable signals that every configured account is
// failed, excluded, or unrefreshable for this request.
var ErrNoAccountsAvailable = errors.New("no accounts available")
