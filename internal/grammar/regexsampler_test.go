package grammar

import (
	"math/rand"
	"regexp"
	"regexp/syntax"
	"testing"
)

func sampleForPattern(t *testing.T, pattern string) []byte {
	t.Helper()
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		t.Fatalf("syntax.Parse(%q): %v", pattern, err)
	}
	re = re.Simplify()
	rng := rand.New(rand.NewSource(1))
	return sampleRegex(re, newRegexScript(rng))
}

func TestSampleRegexLiteralIsExact(t *testing.T) {
	got := sampleForPattern(t, "hello")
	if string(got) != "hello" {
		t.Fatalf("sampleRegex(%q) = %q, want \"hello\"", "hello", got)
	}
}

func TestSampleRegexMatchesItsOwnPattern(t *testing.T) {
	patterns := []string{
		"a[0-9]+",
		"(foo|bar)baz",
		"x?y*z{2,4}",
		"colou?r",
	}
	re := rand.New(rand.NewSource(42))
	for _, pattern := range patterns {
		compiled, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			t.Fatalf("regexp.Compile(%q): %v", pattern, err)
		}
		for i := 0; i < 20; i++ {
			parsed, err := syntax.Parse(pattern, syntax.Perl)
			if err != nil {
				t.Fatalf("syntax.Parse(%q): %v", pattern, err)
			}
			sample := sampleRegex(parsed.Simplify(), newRegexScript(re))
			if !compiled.Match(sample) {
				t.Fatalf("sample %q for pattern %q does not match the pattern itself", sample, pattern)
			}
		}
	}
}

func TestAddRegexRuleRegistersSamples(t *testing.T) {
	ctx := NewContext()
	if err := ctx.addRegexRule("TOK", "[a-c]{3}"); err != nil {
		t.Fatalf("addRegexRule: %v", err)
	}
	tokID, err := ctx.NtID("TOK")
	if err != nil {
		t.Fatal(err)
	}
	rules := ctx.RulesFor(tokID)
	if len(rules) != regexSampleCount {
		t.Fatalf("got %d rules, want %d", len(rules), regexSampleCount)
	}
	compiled := regexp.MustCompile(`^[a-c]{3}$`)
	for _, rid := range rules {
		terms := ctx.Rule(rid).Terms
		if len(terms) != 1 || terms[0].IsNT {
			t.Fatalf("regex rule %+v is not a single literal term", terms)
		}
		if !compiled.Match(terms[0].Literal) {
			t.Errorf("sampled literal %q does not match [a-c]{3}", terms[0].Literal)
		}
	}
}

func TestRegexScriptModIsBudgetBounded(t *testing.T) {
	s := &regexScript{rng: rand.New(rand.NewSource(1)), remaining: 2}
	s.mod(10)
	s.mod(10)
	if s.remaining != 0 {
		t.Fatalf("remaining = %d, want 0 after spending the whole budget", s.remaining)
	}
	if got := s.mod(10); got != 0 {
		t.Fatalf("mod() after budget exhaustion = %d, want 0", got)
	}
}
