// Package advisor answers battle decision requests by asking a language
// model to pick among the legal choices.
package advisor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Option is one legal choice for a request, in the form sent after "/choose".
type Option struct {
	Choice string
	Label  string
}

// Options lists the legal choices a request offers this side.
//
// Team preview offers a lead for each team member. A forced switch offers
// only switches. Otherwise every enabled move of the first active slot is
// offered, followed by switches unless the active member is trapped.
// "default" is always the last option.
//
// Postcondition: The result is non-empty and ends with the "default" option.
func Options(request string) []Option {
	var opts []Option
	side := gjson.Get(request, "side.pokemon").Array()

	switch {
	case gjson.Get(request, "teamPreview").Bool():
		for i, p := range side {
			opts = append(opts, Option{
				Choice: "team " + strconv.Itoa(i+1),
				Label:  "lead with " + p.Get("details").String(),
			})
		}
	case gjson.Get(request, "forceSwitch.0").Bool():
		opts = append(opts, switches(side)...)
	default:
		active := gjson.Get(request, "active.0")
		for i, m := range active.Get("moves").Array() {
			if m.Get("disabled").Bool() {
				continue
			}
			label := m.Get("move").String()
			if pp := m.Get("pp"); pp.Exists() {
				label = fmt.Sprintf("%s (%d/%d PP)", label, pp.Int(), m.Get("maxpp").Int())
			}
			opts = append(opts, Option{Choice: "move " + strconv.Itoa(i+1), Label: label})
		}
		if !active.Get("trapped").Bool() {
			opts = append(opts, switches(side)...)
		}
	}
	return append(opts, Option{Choice: "default", Label: "let the server choose"})
}

func switches(side []gjson.Result) []Option {
	var opts []Option
	for i, p := range side {
		if p.Get("active").Bool() || strings.HasSuffix(p.Get("condition").String(), " fnt") {
			continue
		}
		opts = append(opts, Option{
			Choice: "switch " + strconv.Itoa(i+1),
			Label:  fmt.Sprintf("switch to %s (%s)", p.Get("details").String(), p.Get("condition").String()),
		})
	}
	return opts
}

// answerPunct is stripped around an answer and its first two words.
const answerPunct = "`\"'.,:;!"

// Match returns the option a free-form answer names. The answer may carry a
// "/choose " prefix, surrounding quotes or trailing text after the choice.
//
// Postcondition: ok is false when no option matches.
func Match(answer string, opts []Option) (Option, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(answer), "\n")
	line = strings.Trim(strings.TrimSpace(line), answerPunct)
	line = strings.TrimPrefix(strings.ToLower(line), "/choose ")
	fields := strings.Fields(line)
	if len(fields) > 2 {
		fields = fields[:2]
	}
	for i, f := range fields {
		fields[i] = strings.Trim(f, answerPunct)
	}
	if len(fields) == 0 || fields[0] == "" {
		return Option{}, false
	}
	candidate := fields[0]
	if len(fields) > 1 {
		candidate += " " + fields[1]
	}
	for _, o := range opts {
		if candidate == o.Choice || fields[0] == o.Choice {
			return o, true
		}
	}
	return Option{}, false
}
