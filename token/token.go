// Package token recognizes the inline formatting sequences embedded in
// decoded chat messages so they can be removed before display.
//
// Two families are known. Escape tokens start with ESC (0x1B), carry one
// arbitrary byte and a discriminator at offset 2 that fixes the total width.
// Tag tokens are pseudo-HTML font, ALT and FADE tags that run through the
// closing '>'.
package token

import "bytes"

// Escape is the byte that introduces an escape token.
const Escape = 0x1B

// Rule matches one token form at the start of text and returns its length in
// bytes, or 0 if text does not start with that form.
type Rule struct {
	Name  string
	Match func(text []byte) int
}

// Rules lists every recognized token form in priority order. Escape forms are
// evaluated before tag forms and the first non-zero match wins.
var Rules = []Rule{
	{Name: "style", Match: escape(4, '1', '2', '4', 'l')},
	{Name: "color", Match: escape(5, '3', 'x')},
	{Name: "custom-color", Match: escape(10, '#')},
	{Name: "font-open", Match: tag("<font ")},
	{Name: "font-close", Match: tag("</font")},
	{Name: "alt-open", Match: tag("<ALT ")},
	{Name: "alt-close", Match: tag("</ALT")},
	{Name: "fade-open", Match: tag("<FADE ")},
	{Name: "fade-close", Match: tag("</FADE")},
}

// Length returns the byte length of the token starting at text[0], or 0 if no
// token starts there. A token never reports more bytes than text holds.
func Length(text []byte) int {
	_, n, _ := Match(text)
	return n
}

// Match reports the rule that recognizes a token at the start of text.
func Match(text []byte) (Rule, int, bool) {
	for _, rule := range Rules {
		if n := rule.Match(text); n > 0 {
			return rule, n, true
		}
	}
	return Rule{}, 0, false
}

// Strip appends text with every token removed to dst and returns the
// extended slice. Bytes that do not start a token are copied one at a time.
func Strip(dst, text []byte) []byte {
	for i := 0; i < len(text); {
		if n := Length(text[i:]); n > 0 {
			i += n
			continue
		}
		dst = append(dst, text[i])
		i++
	}
	return dst
}

// escape builds a rule for ESC, any byte, then one of the discriminators.
// Only the discriminator is checked; the payload after it is not validated.
func escape(width int, discriminators ...byte) func([]byte) int {
	return func(text []byte) int {
		if len(text) < 3 || text[0] != Escape {
			return 0
		}
		if bytes.IndexByte(discriminators, text[2]) < 0 {
			return 0
		}
		return min(width, len(text))
	}
}

// tag builds a rule for a literal, case-sensitive prefix that extends through
// the next '>'. Without a closing '>' the token runs to the end of text.
func tag(prefix string) func([]byte) int {
	p := []byte(prefix)
	return func(text []byte) int {
		if !bytes.HasPrefix(text, p) {
			return 0
		}
		if end := bytes.IndexByte(text, '>'); end >= 0 {
			return end + 1
		}
		return len(text)
	}
}
