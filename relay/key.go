package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/xrelay/provider"
)

const (
	defaultLimit   = 20
	maxLimit       = 100
	maxQueryLength = 500
)

var (
	itemIDPattern   = regexp.MustCompile(`^[0-9]+$`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
)

// RequestKey is the cache key of a logical request. Equal requests always
// produce equal keys; request-scoped overrides are not part of it.
//
//	item:<id>
//	search:<sha256(normalized query | limit)>
//	timeline:<lowercased username>:<limit>
func RequestKey(req provider.Request) string {
	switch req.Op {
	case provider.OpItem:
		return "item:" + req.ItemID
	case provider.OpSearch:
		sum := sha256.Sum256([]byte(normalizeQuery(req.Query) + "|" + strconv.Itoa(req.Limit)))
		return "search:" + hex.EncodeToString(sum[:])
	case provider.OpTimeline:
		return "timeline:" + strings.ToLower(req.Username) + ":" + strconv.Itoa(req.Limit)
	}
	return string(req.Op) + ":" + req.String()
}

// normalizeQuery trims, collapses internal whitespace and lowercases.
func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// normalize validates req and fills defaults. The returned request is what
// providers see and what the key is derived from.
func normalize(req provider.Request) (provider.Request, error) {
	switch req.Op {
	case provider.OpItem:
		req.ItemID = strings.TrimSpace(req.ItemID)
		if !itemIDPattern.MatchString(req.ItemID) {
			return req, invalid("item id must be numeric, got %q", req.ItemID)
		}
		req.Limit = 0
		return req, nil
	case provider.OpSearch:
		req.Query = strings.Join(strings.Fields(req.Query), " ")
		if req.Query == "" {
			return req, invalid("query is required")
		}
		if utf8.RuneCountInString(req.Query) > maxQueryLength {
			return req, invalid("query exceeds %d characters", maxQueryLength)
		}
	case provider.OpTimeline:
		req.Username = strings.TrimPrefix(strings.TrimSpace(req.Username), "@")
		if !usernamePattern.MatchString(req.Username) {
			return req, invalid("invalid username %q", req.Username)
		}
	default:
		return req, invalid("unknown operation %q", req.Op)
	}
	if req.Limit == 0 {
		req.Limit = defaultLimit
	}
	if req.Limit < 1 || req.Limit > maxLimit {
		return req, invalid("limit must be between 1 and %d, got %d", maxLimit, req.Limit)
	}
	return req, nil
}
