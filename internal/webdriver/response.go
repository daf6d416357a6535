package webdriver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NewSessionResponse is the canonical JSON Wire body for a created session
type NewSessionResponse struct {
	SessionID string                 `json:"sessionId"`
	Status    int                    `json:"status"`
	Value     map[string]interface{} `json:"value"`
}

type sessionValue struct {
	SessionID string `json:"sessionId"`
	Value     struct {
		SessionID string `json:"sessionId"`
	} `json:"value"`
}

// ExtractSessionID finds the backend-assigned session id in a create
// response. Redirect responses are rewritten into a JSON body; the returned
// body is what the client should receive.
func ExtractSessionID(status int, location string, body []byte) (string, []byte, error) {
	if status == http.StatusFound || status == http.StatusSeeOther {
		id, err := sessionIDFromLocation(location)
		if err != nil {
			return "", nil, err
		}
		rewritten, err := json.Marshal(NewSessionResponse{
			SessionID: id,
			Value:     map[string]interface{}{},
		})
		if err != nil {
			return "", nil, err
		}
		return id, rewritten, nil
	}

	var parsed sessionValue
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	if parsed.SessionID != "" {
		return parsed.SessionID, body, nil
	}
	if parsed.Value.SessionID != "" {
		return parsed.Value.SessionID, body, nil
	}
	return "", nil, fmt.Errorf("no session id in response")
}

func sessionIDFromLocation(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("redirect without Location header")
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid Location %q: %w", location, err)
	}
	path := strings.TrimRight(u.Path, "/")
	id := path[strings.LastIndex(path, "/")+1:]
	if id == "" {
		return "", fmt.Errorf("no session id in Location %q", location)
	}
	return id, nil
}
