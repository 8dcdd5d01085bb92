package storage

import (
	"fmt"
	"net/url"
	"time"
)

// Pebble key schema
//
//	acc:<user>                     → Account
//	ord:<user>:<orderID>           → Order
//	fill:<user>:<seq>:<id>         → Fill
//	eq:<user>:<unixnano>           → EquityPoint
//
// User ids are query-escaped so a ':' inside an id can't bleed into another
// user's prefix. Fill sequence numbers and equity timestamps are zero-padded
// to 20 digits so keys sort in history order.
const (
	prefixAccount = "acc:"
	prefixOrder   = "ord:"
	prefixFill    = "fill:"
	prefixEquity  = "eq:"
)

func escape(user string) string { return url.QueryEscape(user) }

func accountKey(user string) []byte {
	return []byte(prefixAccount + escape(user))
}

func orderKey(user, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, escape(user), orderID))
}

func orderPrefix(user string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, escape(user)))
}

func fillKey(user string, seq uint64, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, escape(user), seq, fillID))
}

func fillPrefix(user string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, escape(user)))
}

func equityKey(user string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEquity, escape(user), ts.UnixNano()))
}

func equityPrefix(user string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixEquity, escape(user)))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "ord:alice:" -> upper bound "ord:alice;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
