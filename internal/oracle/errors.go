package oracle

import "errors"

// ErrNotValid is returned by PathInfo and Closure when a store path is
// absent from the database, surfaced by the push pipeline as the
// OracleMissing error kind (spec §7): fatal for that path, but does not
// abort the batch.
var ErrNotValid = errors.New("oracle: store path not valid")
