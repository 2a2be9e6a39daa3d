package toolagent

import "errors"

// ErrUnavailable indicates the remote tool-agent service could not be
// reached at all (connection refused, DNS failure, deadline exceeded before
// any response). It is always retryable.
var ErrUnavailable = errors.New("toolagent: service unavailable")

// ErrInvalidResponse indicates the remote tool-agent service returned a
// response the client could not decode. It is not retryable: resending the
// same request to the same broken deployment will not help.
var ErrInvalidResponse = errors.New("toolagent: invalid response")
