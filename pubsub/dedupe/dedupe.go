// Package dedupe provides claim stores that let a listener skip redeliveries
// of messages it has already handled.
package dedupe

import "errors"

var ErrEmptyID = errors.New("dedupe: empty message id")

const claimValue = "1"
