package pipeline

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// KeyLength is the number of characters kept from the encoded digest.
const KeyLength = 8

// DeriveKey computes the opaque cache/idempotency key for a request.
// The same (client, route, query) triple always yields the same key.
// Callers pass an empty clientID for outcomes shared across clients,
// such as the resolve cache.
func DeriveKey(clientID, route, rawQuery string) string {
	canonical := clientID + "\n" + NormalizeRequest(route, rawQuery)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:KeyLength]
}

// NormalizeRequest is the single source of truth for turning a raw
// route and query string into canonical form: trailing slashes are
// trimmed from the route, query parameters are sorted by key and
// re-encoded, and empty pairs are dropped. "/r?code=abc" and
// "/r/?code=abc&" normalize identically.
func NormalizeRequest(route, rawQuery string) string {
	route = strings.TrimRight(route, "/")
	if route == "" {
		route = "/"
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// Unparseable queries are kept verbatim so distinct requests
		// still derive distinct keys.
		if rawQuery == "" {
			return route
		}
		return route + "?" + rawQuery
	}

	encoded := values.Encode()
	if encoded == "" {
		return route
	}
	return route + "?" + encoded
}
