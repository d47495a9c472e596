package submission

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
)

const securityDigestPrefix = "treecomments.form"

// SecurityFields are the hidden form values proving a form was issued here.
type SecurityFields struct {
	Target       comments.Target `json:"target"`
	Timestamp    int64           `json:"timestamp"`
	SecurityHash string          `json:"security_hash"`
}

// SecurityDigest returns the hex HMAC-SHA256 of the target and timestamp
// keyed with secret.
func SecurityDigest(target comments.Target, timestamp int64, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join([]string{
		securityDigestPrefix,
		strings.TrimSpace(target.ContentType),
		strings.TrimSpace(target.ObjectID),
		strconv.FormatInt(target.SiteID, 10),
		strconv.FormatInt(timestamp, 10),
	}, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySecurityDigest recomputes the digest and compares in constant time.
func VerifySecurityDigest(target comments.Target, timestamp int64, digest string, secret []byte) bool {
	expected := SecurityDigest(target, timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(digest))))
}

// NewSecurityFields issues the hidden values for a form rendered at now.
func NewSecurityFields(target comments.Target, now time.Time, secret []byte) SecurityFields {
	timestamp := now.UTC().Unix()
	return SecurityFields{
		Target:       target,
		Timestamp:    timestamp,
		SecurityHash: SecurityDigest(target, timestamp, secret),
	}
}
