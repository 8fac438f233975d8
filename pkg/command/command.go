// Package command renders IBM i CL command strings.
package command

import (
	"sort"
	"strings"
)

// Param is one KEYWORD(value) pair. Values are inserted as-is; callers
// quote literals with Quote.
type Param struct {
	Keyword string
	Value   string
}

// Params is an ordered parameter list with case-insensitive keywords.
type Params []Param

// Has reports whether keyword is present.
func (p Params) Has(keyword string) bool {
	return p.index(keyword) >= 0
}

// Get returns the value of keyword.
func (p Params) Get(keyword string) (string, bool) {
	if i := p.index(keyword); i >= 0 {
		return p[i].Value, true
	}

	return "", false
}

// Set replaces keyword's value in place or appends it.
func (p Params) Set(keyword, value string) Params {
	if i := p.index(keyword); i >= 0 {
		p[i].Value = value

		return p
	}

	return append(p, Param{Keyword: strings.ToUpper(keyword), Value: value})
}

// Default appends keyword only when it is absent.
func (p Params) Default(keyword, value string) Params {
	if p.Has(keyword) {
		return p
	}

	return append(p, Param{Keyword: strings.ToUpper(keyword), Value: value})
}

// Delete removes keyword.
func (p Params) Delete(keyword string) Params {
	if i := p.index(keyword); i >= 0 {
		return append(p[:i], p[i+1:]...)
	}

	return p
}

// Merge overlays overrides in sorted keyword order, skipping reserved keywords.
func (p Params) Merge(overrides map[string]string, reserved ...string) Params {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if isReserved(k, reserved) {
			continue
		}

		p = p.Set(k, overrides[k])
	}

	return p
}

func (p Params) index(keyword string) int {
	for i, param := range p {
		if strings.EqualFold(param.Keyword, keyword) {
			return i
		}
	}

	return -1
}

func isReserved(keyword string, reserved []string) bool {
	for _, r := range reserved {
		if strings.EqualFold(keyword, r) {
			return true
		}
	}

	return false
}

// Build renders "NAME KEYWORD(value) ...". Parameters with an empty value are omitted.
func Build(name string, params Params) string {
	var sb strings.Builder

	sb.WriteString(name)

	for _, p := range params {
		if p.Value == "" {
			continue
		}

		sb.WriteByte(' ')
		sb.WriteString(strings.ToUpper(p.Keyword))
		sb.WriteByte('(')
		sb.WriteString(p.Value)
		sb.WriteByte(')')
	}

	return sb.String()
}

// Quote renders s as a CL string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Unquote strips one level of CL string quoting if present.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}

	return s
}

// Wrap embeds inner as a quoted string parameter of the wrapper command:
// "WRAPPER PARAM('inner') extra...".
func Wrap(wrapper, param, inner string, extra Params) string {
	params := make(Params, 0, len(extra)+1)
	params = append(params, Param{Keyword: param, Value: Quote(inner)})
	params = append(params, extra...)

	return Build(wrapper, params)
}

// System renders the PASE shell invocation of a CL command.
func System(cl string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

	return `system "` + r.Replace(cl) + `"`
}
