package store

import "github.com/google/uuid"

// newRandomToken mints an opaque bearer/OAuth token. Vendor clients treat
// these as opaque strings, so a UUID is as good a source of entropy as any.
func newRandomToken() string {
	return uuid.NewString()
}
