package webdriver

import (
	"encoding/json"
	"strings"
)

const (
	desiredKey      = "desiredCapabilities"
	browserIDKey    = "browserId"
	loggingPrefsKey = "loggingPrefs"
	operaOptionsKey = "operaOptions"
	versionKey      = "version"
	operaBinary     = "/usr/bin/opera"
)

const (
	BrowserFirefox    = "firefox"
	BrowserOperaBlink = "operablink"
	BrowserOpera      = "opera"
)

// Capabilities is a parsed new-session payload that can be rewritten
// before it is sent to a backend
type Capabilities struct {
	raw map[string]interface{}
}

// ParseCapabilities decodes a new-session request body
func ParseCapabilities(body []byte) (*Capabilities, error) {
	raw := make(map[string]interface{})
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
	}
	return &Capabilities{raw: raw}, nil
}

// desired returns the legacy desiredCapabilities object, falling back to
// the W3C capabilities.alwaysMatch object
func (c *Capabilities) desired() map[string]interface{} {
	if d, ok := c.raw[desiredKey].(map[string]interface{}); ok {
		return d
	}
	if caps, ok := c.raw["capabilities"].(map[string]interface{}); ok {
		if always, ok := caps["alwaysMatch"].(map[string]interface{}); ok {
			return always
		}
	}
	return nil
}

func (c *Capabilities) field(keys ...string) string {
	d := c.desired()
	for _, k := range keys {
		if v, ok := d[k].(string); ok {
			return v
		}
	}
	return ""
}

func (c *Capabilities) BrowserName() string { return c.field("browserName") }
func (c *Capabilities) Version() string     { return c.field(versionKey, "browserVersion") }
func (c *Capabilities) Platform() string    { return c.field("platform", "platformName") }
func (c *Capabilities) BrowserID() string   { return c.field(browserIDKey) }

// Live reports the non-standard live flag; live sessions are never reaped
func (c *Capabilities) Live() bool {
	switch v := c.desired()["live"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// EnableBrowserLogging requests every browser console entry in each
// desiredCapabilities object of the payload
func (c *Capabilities) EnableBrowserLogging() {
	walkObjects(c.raw, func(obj map[string]interface{}) {
		if d, ok := obj[desiredKey].(map[string]interface{}); ok {
			d[loggingPrefsKey] = map[string]interface{}{"browser": "ALL"}
		}
	})
}

// SetOperaBinary points Opera Blink backends at the image's binary
func (c *Capabilities) SetOperaBinary() {
	walkObjects(c.raw, func(obj map[string]interface{}) {
		if d, ok := obj[desiredKey].(map[string]interface{}); ok {
			d[operaOptionsKey] = map[string]interface{}{
				"args":       []interface{}{},
				"binary":     operaBinary,
				"extensions": []interface{}{},
			}
		}
	})
}

// StripBrowserID removes the client correlation id at any depth
func (c *Capabilities) StripBrowserID() {
	walkObjects(c.raw, func(obj map[string]interface{}) {
		delete(obj, browserIDKey)
	})
}

// BlankVersion forces version to an empty string in desiredCapabilities
// and in any nested object that already carries a version
func (c *Capabilities) BlankVersion() {
	if d := c.desired(); d != nil {
		d[versionKey] = ""
	} else {
		c.raw[desiredKey] = map[string]interface{}{versionKey: ""}
	}
	walkObjects(c.raw, func(obj map[string]interface{}) {
		if _, ok := obj[versionKey]; ok {
			obj[versionKey] = ""
		}
	})
}

// Marshal encodes the rewritten payload
func (c *Capabilities) Marshal() ([]byte, error) {
	return json.Marshal(c.raw)
}

// IsFirefox reports whether name selects a Firefox backend
func IsFirefox(name string) bool {
	return strings.EqualFold(name, BrowserFirefox)
}

// IsOperaBlink reports whether name selects an Opera Blink backend
func IsOperaBlink(name string) bool {
	return strings.EqualFold(name, BrowserOperaBlink)
}

func walkObjects(v interface{}, fn func(map[string]interface{})) {
	switch node := v.(type) {
	case map[string]interface{}:
		fn(node)
		for _, child := range node {
			walkObjects(child, fn)
		}
	case []interface{}:
		for _, child := range node {
			walkObjects(child, fn)
		}
	}
}
