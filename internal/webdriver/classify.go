package webdriver

import (
	"net/http"
	"strings"
)

// SessionPath is the session collection endpoint relative to the API prefix
const SessionPath = "/session"

// RequestKind is the role a request plays in the session lifecycle
type RequestKind int

const (
	KindCommand RequestKind = iota
	KindCreate
	KindDelete
)

func (k RequestKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindDelete:
		return "delete"
	default:
		return "command"
	}
}

// Classify decides from method and path alone whether a request creates,
// deletes or addresses an existing session. path is relative to the API prefix.
func Classify(method, path string) RequestKind {
	if method == http.MethodPost && path == SessionPath {
		return KindCreate
	}
	if method == http.MethodDelete && strings.HasPrefix(path, SessionPath) && strings.Count(path, "/") == 2 {
		return KindDelete
	}
	return KindCommand
}

// SessionIDFromPath returns the segment that follows /session in path
func SessionIDFromPath(path string) (string, bool) {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, seg := range segments {
		if "/"+seg != SessionPath {
			continue
		}
		if i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1], true
		}
		return "", false
	}
	return "", false
}
