package links

import "errors"

// ErrLinkDown is returned by fake/test transports simulating a dropped
// connection; real transports surface the underlying I/O error instead.
var ErrLinkDown = errors.New("links: transport down")
