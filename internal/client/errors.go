package client

import "errors"

// ErrKeyNotFound normalizes the cache's nil-reply so callers need not
// import the driver to test for a miss.
var ErrKeyNotFound = errors.New("client: key not found")
