package durableiterator

import "net/http"

// UpgradeHeader is the response header a transport interceptor checks to
// decide whether a one-shot RPC response should be upgraded into a durable
// iterator rather than returned as a plain value.
const UpgradeHeader = "X-Eventcore-Durable-Iterator"

// IsUpgradeResponse reports whether header marks its response for
// durable-iterator upgrade. Unmatched responses pass through unchanged.
func IsUpgradeResponse(header http.Header) bool {
	return header.Get(UpgradeHeader) == "1"
}

// MarkUpgradeResponse sets the header a server uses to offer a
// durable-iterator upgrade for this response.
func MarkUpgradeResponse(header http.Header) {
	header.Set(UpgradeHeader, "1")
}
