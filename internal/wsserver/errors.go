package wsserver

import "errors"

// ErrUnknownConnection is returned by Send for an id with no live connection.
var ErrUnknownConnection = errors.New("wsserver: unknown connection")
