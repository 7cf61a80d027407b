package jobs

import "errors"

var (
	errMissingItemID   = errors.New("response has no item_ids")
	errMalformedItemID = errors.New("item_ids[0] is not an integer")
)
