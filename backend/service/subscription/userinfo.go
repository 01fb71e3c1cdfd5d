package subscription

import (
	"math"
	"strconv"
	"strings"
)

// userinfo subscription-userinfo 头：upload=; download=; total=; expire=
type userinfo struct {
	Used   int64
	Total  int64
	Expire int64
	ok     bool
}

func parseSubscriptionUserinfo(value string) userinfo {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return userinfo{}
	}

	var (
		upload, download, total, expire uint64
		hasUpload, hasDown, hasTotal    bool
	)

	normalized := strings.ReplaceAll(raw, ",", ";")
	for _, part := range strings.Split(normalized, ";") {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if key == "" || val == "" {
			continue
		}
		num, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "upload":
			upload, hasUpload = num, true
		case "download":
			download, hasDown = num, true
		case "total":
			total, hasTotal = num, true
		case "expire":
			expire = num
		}
	}

	if !hasUpload || !hasDown || !hasTotal {
		return userinfo{}
	}
	if upload > math.MaxUint64-download {
		return userinfo{}
	}
	used := upload + download
	if used > math.MaxInt64 || total > math.MaxInt64 || expire > math.MaxInt64 {
		return userinfo{}
	}
	return userinfo{Used: int64(used), Total: int64(total), Expire: int64(expire), ok: true}
}
