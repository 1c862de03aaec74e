package core

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// AccountID derives the stable account identifier. The decoded biz value is
// preferred since it survives fakeid rotation; without one the id falls back
// to a hash of the fakeid.
func AccountID(biz, fakeID string) string {
	if biz != "" {
		if decoded, err := base64.StdEncoding.DecodeString(biz); err == nil {
			if clean := strings.TrimSpace(string(decoded)); clean != "" {
				return "MP_WXS_" + clean
			}
		}
		return "MP_WXS_" + strings.TrimRight(biz, "=")
	}
	return "MP_FAKE_" + md5hex(fakeID)[:12]
}

// ArticleID derives the article identifier from its owning account and the
// platform article id, falling back to a hash of the URL.
func ArticleID(accountID, aid, url string) string {
	if aid != "" {
		return accountID + "_" + aid
	}
	return accountID + "_URL_" + md5hex(url)[:12]
}
