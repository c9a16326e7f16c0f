package suppression

import "errors"

// ErrNotFound reports a lookup for a suppression entry that does not
// exist in the requested company scope.
var ErrNotFound = errors.New("suppression entry not found")
