package chat

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkSplitter routes streamed text into thinking and content based on
// <think> tags, for models that embed reasoning in the content channel
// instead of emitting native reasoning deltas. Tags may arrive split
// across deltas, so a possible tag prefix at the end of the buffer is
// held back until the next delta resolves it.
type thinkSplitter struct {
	pending string
	inThink bool
	// stripNL drops the newlines models emit right after a closing
	// tag, even when they arrive in a later delta.
	stripNL bool
}

func (s *thinkSplitter) feed(text string) (thinking, content string) {
	s.pending += text
	var th, ct strings.Builder
	for {
		tag := thinkOpen
		if s.inThink {
			tag = thinkClose
		}
		if i := strings.Index(s.pending, tag); i >= 0 {
			s.route(&th, &ct, s.pending[:i])
			s.pending = s.pending[i+len(tag):]
			s.inThink = !s.inThink
			if !s.inThink {
				s.stripNL = true
			}
			continue
		}
		hold := tagPrefixLen(s.pending, tag)
		s.route(&th, &ct, s.pending[:len(s.pending)-hold])
		s.pending = s.pending[len(s.pending)-hold:]
		return th.String(), ct.String()
	}
}

// flush drains held-back text once the stream ends. An unterminated
// <think> section stays thinking.
func (s *thinkSplitter) flush() (thinking, content string) {
	rem := s.pending
	s.pending = ""
	if s.inThink {
		return rem, ""
	}
	if s.stripNL {
		rem = strings.TrimLeft(rem, "\n")
	}
	return "", rem
}

func (s *thinkSplitter) route(th, ct *strings.Builder, text string) {
	if s.inThink {
		th.WriteString(text)
		return
	}
	if s.stripNL {
		text = strings.TrimLeft(text, "\n")
		if text == "" {
			return
		}
		s.stripNL = false
	}
	ct.WriteString(text)
}

// tagPrefixLen returns the length of the longest proper prefix of tag
// that the buffer ends with.
func tagPrefixLen(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}
