package inbox

import "errors"

// ErrNotFound signals a delete or attachment lookup against a message the
// gateway cannot locate. Surfaced as 404 by the HTTP layer.
var ErrNotFound = errors.New("message not found")
