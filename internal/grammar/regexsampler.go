package grammar

import (
	"fmt"
	"math/rand"
	"regexp/syntax"

	"golang.org/x/text/unicode/norm"
)

// regexSampleCount is how many concrete literal expansions a regex rule
// contributes up front. Grounded on original_source/regex_mutator/src/lib.rs,
// which samples a fresh string from a regex's parsed form on demand; since
// this port bakes samples into ordinary literal Rules (so Tree/Mutator need
// no new term kind), we pre-sample a pool instead of resampling per use.
const regexSampleCount = 64

// addRegexRule parses pattern and registers regexSampleCount independently
// sampled literal expansions as alternative rules for nt.
func (c *Context) addRegexRule(nt, pattern string) error {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fmt.Errorf("grammar: parsing regex %q for %s: %w", pattern, nt, err)
	}
	re = re.Simplify()
	rng := rand.New(rand.NewSource(rand.Int63()))
	for i := 0; i < regexSampleCount; i++ {
		c.AddLiteralRule(nt, sampleRegex(re, newRegexScript(rng)))
	}
	return nil
}

// regexScript bounds how much a single regex sample can expand, mirroring
// RegexScript in regex_mutator/src/lib.rs: a length budget is drawn once,
// and every call that consumes randomness decrements it, so unbounded
// repetitions (`a*`, `a{3,}`) don't run away.
type regexScript struct {
	rng       *rand.Rand
	remaining int
}

func newRegexScript(rng *rand.Rand) *regexScript {
	var remaining int
	if rng.Intn(256) == 0 {
		remaining = rng.Intn(0xffff)
	} else {
		bound := 1 << uint(rng.Intn(8))
		remaining = rng.Intn(bound + 1)
	}
	return &regexScript{rng: rng, remaining: remaining}
}

// mod returns a random value in [0,n) and spends one unit of budget; once
// the budget is exhausted it returns 0, so open-ended constructs terminate.
func (s *regexScript) mod(n int) int {
	if n <= 0 || s.remaining <= 0 {
		return 0
	}
	s.remaining--
	return s.rng.Intn(n)
}

func (s *regexScript) rangeN(min, max int) int {
	if max <= min {
		return min
	}
	return s.mod(max-min) + min
}

// length returns a budget-biased repetition count for unbounded loops.
func (s *regexScript) length() int {
	bits := s.mod(8)
	return s.mod(2 << uint(bits))
}

// sampleRegex walks re's parsed form and returns one matching byte string.
func sampleRegex(re *syntax.Regexp, s *regexScript) []byte {
	var buf []byte
	appendRegexNode(&buf, re, s)
	return buf
}

func appendRegexNode(buf *[]byte, re *syntax.Regexp, s *regexScript) {
	switch re.Op {
	case syntax.OpLiteral:
		for _, r := range re.Rune {
			appendRuneNormalized(buf, r)
		}
	case syntax.OpCharClass:
		n := len(re.Rune) / 2
		idx := s.mod(n)
		lo, hi := re.Rune[idx*2], re.Rune[idx*2+1]
		appendRuneNormalized(buf, rune(s.rangeN(int(lo), int(hi)+1)))
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		appendRuneNormalized(buf, rune(s.rangeN(0x20, 0x7f)))
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			appendRegexNode(buf, sub, s)
		}
	case syntax.OpAlternate:
		if len(re.Sub) == 0 {
			return
		}
		appendRegexNode(buf, re.Sub[s.mod(len(re.Sub))], s)
	case syntax.OpCapture:
		appendRegexNode(buf, re.Sub0[0], s)
	case syntax.OpStar:
		for i, n := 0, s.length(); i < n; i++ {
			appendRegexNode(buf, re.Sub0[0], s)
		}
	case syntax.OpPlus:
		for i, n := 0, 1+s.length(); i < n; i++ {
			appendRegexNode(buf, re.Sub0[0], s)
		}
	case syntax.OpQuest:
		if s.mod(2) == 1 {
			appendRegexNode(buf, re.Sub0[0], s)
		}
	case syntax.OpRepeat:
		n := re.Min + s.length()
		if re.Max >= 0 {
			n = s.rangeN(re.Min, re.Max+1)
		}
		for i := 0; i < n; i++ {
			appendRegexNode(buf, re.Sub0[0], s)
		}
	default:
		// OpEmptyMatch, anchors, and word boundaries contribute no bytes.
	}
}

// appendRuneNormalized appends r to buf in NFC form — regex char classes
// can name either half of a decomposed glyph, and normalizing keeps the
// dedup ring and minimisation oracle comparing equivalent byte strings
// rather than incidental encoding variants.
func appendRuneNormalized(buf *[]byte, r rune) {
	if r < 0 {
		r = 0x20
	}
	*buf = norm.NFC.Append(*buf, []byte(string(r))...)
}
