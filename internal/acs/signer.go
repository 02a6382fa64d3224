// Package acs implements the ACS request signer and client: constructing
// the canonical string-to-sign, computing the HMAC-SHA256 authorization
// header, and submitting the signed JSON envelope to the ACS API.
package acs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// dateFormat is RFC 1123 with a literal "GMT" instead of the zone
// abbreviation time.RFC1123 would otherwise produce for UTC.
const dateFormat = "Mon, 02 Jan 2006 15:04:05"

// Headers are the request headers the signer computes.
type Headers struct {
	Date          string
	ContentSHA256 string
	Authorization string
	ContentType   string
}

// Sign computes the ACS authorization headers for a POST request.
//
// pathAndQuery is the request path including query string (e.g.
// "/emails:send?api-version=2023-03-31"). host is the endpoint host
// without scheme or port. body is the exact bytes that will be sent as the
// request body, and accessKey is the base64-decoded key from the
// connection string. now is injected so tests can pin the timestamp.
func Sign(pathAndQuery, host string, body, accessKey []byte, now func() time.Time) Headers {
	timestamp := now().UTC().Format(dateFormat) + " GMT"

	contentHash := sha256.Sum256(body)
	contentHashB64 := base64.StdEncoding.EncodeToString(contentHash[:])

	stringToSign := fmt.Sprintf("POST\n%s\n%s;%s;%s",
		pathAndQuery, timestamp, host, contentHashB64)

	mac := hmac.New(sha256.New, accessKey)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	auth := fmt.Sprintf(
		"HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=%s",
		signature)

	return Headers{
		Date:          timestamp,
		ContentSHA256: contentHashB64,
		Authorization: auth,
		ContentType:   "application/json",
	}
}
