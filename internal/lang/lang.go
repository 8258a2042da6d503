// Package lang holds the embedded locale table for user-facing replies.
package lang

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
)

//go:embed locales.json
var localesJSON []byte

// Default is the locale every lookup falls back to; its table is
// complete by convention.
const Default = "en"

var tables map[string]map[string]string

func init() {
	if err := json.Unmarshal(localesJSON, &tables); err != nil {
		panic(fmt.Sprintf("lang: bad locales.json: %v", err))
	}
}

// Supported lists available locale tags, sorted.
func Supported() []string {
	out := make([]string, 0, len(tables))
	for tag := range tables {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func IsSupported(tag string) bool {
	_, ok := tables[tag]
	return ok
}

// T formats the message for key in the given locale, falling back to the
// default locale and finally to the key itself.
func T(locale, key string, args ...any) string {
	msg, ok := tables[locale][key]
	if !ok {
		msg, ok = tables[Default][key]
	}
	if !ok {
		msg = key
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
