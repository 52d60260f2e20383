package session

import (
	"sort"
	"strconv"
	"strings"
)

// Special setting types.
const (
	SettingHeaderOverride = "header_override"
	SettingRectifier      = "thinking_signature_rectifier"
	SettingModelRedirect  = "model_redirect"
	SettingStreamUsage    = "stream_usage_injected"
)

// SpecialSetting is an audit record of a non-default behavior applied to the
// request. Fields are the discriminating attributes; Reason is free text and
// does not take part in deduplication.
type SpecialSetting struct {
	Type   string            `json:"type"`
	Scope  string            `json:"scope"`
	Hit    bool              `json:"hit"`
	Fields map[string]string `json:"fields,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

func (s SpecialSetting) key() string {
	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Type)
	b.WriteByte('|')
	b.WriteString(s.Scope)
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(s.Hit))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Fields[k])
	}
	return b.String()
}

// AddSpecialSetting appends e unless an entry with the same type, scope,
// hit flag and fields exists. It reports whether e was added.
func (s *Session) AddSpecialSetting(e SpecialSetting) bool {
	k := e.key()
	if _, dup := s.settingKeys[k]; dup {
		return false
	}
	s.settingKeys[k] = struct{}{}
	s.settings = append(s.settings, e)
	return true
}

// SpecialSettings returns the audit log in insertion order.
func (s *Session) SpecialSettings() []SpecialSetting {
	out := make([]SpecialSetting, len(s.settings))
	copy(out, s.settings)
	return out
}

// HasSpecialSetting reports whether an entry of typ was recorded.
func (s *Session) HasSpecialSetting(typ string) bool {
	for _, e := range s.settings {
		if e.Type == typ {
			return true
		}
	}
	return false
}

// MarkPersisted flags the audit data as written. It returns true only for
// the first call so the record is stored at most once.
func (s *Session) MarkPersisted() bool {
	if s.persisted {
		return false
	}
	s.persisted = true
	return true
}
