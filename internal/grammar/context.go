package grammar

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"

	"encoding/json"
)

// Term is one element of a rule's expansion: either a literal byte run or a
// reference to another nonterminal.
type Term struct {
	Literal []byte
	IsNT    bool
	NT      NTermID
}

// Rule is one alternative expansion of a nonterminal.
type Rule struct {
	NT    NTermID
	Terms []Term
}

// Context holds the full set of nonterminals and rules loaded from a
// grammar file, plus the precomputed minimum-expansion sizes Initialize
// fills in so generation can stay within a node budget. Context is shared
// read-only across every worker goroutine once Initialize returns; it
// holds no RNG of its own — callers supply one (each worker's Mutator
// owns its own *rand.Rand, unsynchronised and never shared, per spec.md
// §5) so concurrent generation from multiple threads never races on a
// single source of randomness.
type Context struct {
	ntNames   []string
	ntIDs     map[string]NTermID
	rulesByNT [][]RuleID
	rules     []Rule
	minSize   []int
	maxSize   int
}

// NewContext returns an empty context, ready for AddRule calls.
func NewContext() *Context {
	return &Context{
		ntIDs: make(map[string]NTermID),
	}
}

// ntermByName returns the id for an existing nonterminal, registering it if
// this is the first time it's been referenced.
func (c *Context) ntermByName(name string) NTermID {
	if id, ok := c.ntIDs[name]; ok {
		return id
	}
	id := NTermID(len(c.ntNames))
	c.ntNames = append(c.ntNames, name)
	c.ntIDs[name] = id
	c.rulesByNT = append(c.rulesByNT, nil)
	return id
}

// NtID returns the id of an already-registered nonterminal.
func (c *Context) NtID(name string) (NTermID, error) {
	id, ok := c.ntIDs[name]
	if !ok {
		return 0, fmt.Errorf("grammar: unknown nonterminal %q", name)
	}
	return id, nil
}

// AddRule parses expansion for "{nonterminal}" references and registers it
// as one alternative for nt.
func (c *Context) AddRule(nt string, expansion []byte) {
	ntID := c.ntermByName(nt)
	terms := parseTerms(c, expansion)
	ruleID := RuleID(len(c.rules))
	c.rules = append(c.rules, Rule{NT: ntID, Terms: terms})
	c.rulesByNT[ntID] = append(c.rulesByNT[ntID], ruleID)
}

// parseTerms splits expansion into literal runs and "{name}" nonterminal
// references.
func parseTerms(c *Context, expansion []byte) []Term {
	var terms []Term
	var lit bytes.Buffer
	flushLit := func() {
		if lit.Len() > 0 {
			terms = append(terms, Term{Literal: append([]byte(nil), lit.Bytes()...)})
			lit.Reset()
		}
	}
	i := 0
	for i < len(expansion) {
		if expansion[i] == '{' {
			end := bytes.IndexByte(expansion[i:], '}')
			if end < 0 {
				lit.WriteByte(expansion[i])
				i++
				continue
			}
			name := string(expansion[i+1 : i+end])
			flushLit()
			terms = append(terms, Term{IsNT: true, NT: c.ntermByName(name)})
			i += end + 1
			continue
		}
		lit.WriteByte(expansion[i])
		i++
	}
	flushLit()
	return terms
}

// AddLiteralRule registers expansion as a single alternative for nt
// without scanning it for "{nonterminal}" references — used for rules
// whose bytes are sampled data rather than grammar source (regex rules).
func (c *Context) AddLiteralRule(nt string, literal []byte) {
	ntID := c.ntermByName(nt)
	ruleID := RuleID(len(c.rules))
	c.rules = append(c.rules, Rule{NT: ntID, Terms: []Term{{Literal: append([]byte(nil), literal...)}}})
	c.rulesByNT[ntID] = append(c.rulesByNT[ntID], ruleID)
}

// Rule returns the rule with the given id.
func (c *Context) Rule(id RuleID) Rule { return c.rules[id] }

// RulesFor returns the alternative rule ids for a nonterminal.
func (c *Context) RulesFor(nt NTermID) []RuleID { return c.rulesByNT[nt] }

// LoadJSONGrammar matches the "[[nt, expansion], ...]" rule-pair format:
// the first rule's nonterminal becomes START's sole expansion, wrapped in
// braces so it is generated as a nonterminal reference.
func LoadJSONGrammar(path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("grammar: reading %s: %w", path, err)
	}
	var rules [][]string
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("grammar: parsing %s: %w", path, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("grammar: %s defines no rules", path)
	}
	ctx := NewContext()
	root := "{" + rules[0][0] + "}"
	ctx.AddRule("START", []byte(root))
	for _, r := range rules {
		switch len(r) {
		case 2:
			ctx.AddRule(r[0], []byte(r[1]))
		case 3:
			if r[2] != "regex" {
				return nil, fmt.Errorf("grammar: unknown rule kind %q for %s", r[2], r[0])
			}
			if err := ctx.addRegexRule(r[0], r[1]); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("grammar: malformed rule entry %v", r)
		}
	}
	return ctx, nil
}

// Initialize computes the minimum subtree size (in nodes) each nonterminal
// can be expanded to, by fixed-point iteration over the rule graph, and
// records maxSize as the generation node budget ceiling.
func (c *Context) Initialize(maxSize int) {
	c.maxSize = maxSize
	c.minSize = make([]int, len(c.ntNames))
	for i := range c.minSize {
		c.minSize[i] = -1 // unknown
	}
	const unbounded = 1 << 30
	changed := true
	for changed {
		changed = false
		for nt := range c.ntNames {
			best := unbounded
			for _, rid := range c.rulesByNT[nt] {
				size := 1
				ok := true
				for _, term := range c.rules[rid].Terms {
					if !term.IsNT {
						continue
					}
					s := c.minSize[term.NT]
					if s < 0 {
						ok = false
						break
					}
					size += s
				}
				if ok && size < best {
					best = size
				}
			}
			if best != unbounded && best != c.minSize[nt] {
				c.minSize[nt] = best
				changed = true
			}
		}
	}
	for i, s := range c.minSize {
		if s < 0 {
			c.minSize[i] = 1 // recursive nonterminal with no terminating alternative found yet; fall back
		}
	}
}

// GetRandomLenForNT returns a node budget to generate a tree rooted at nt,
// bounded below by its minimum expansion size and above by maxSize. rng is
// the caller's own RNG — never shared across goroutines.
func (c *Context) GetRandomLenForNT(rng *rand.Rand, nt NTermID) int {
	min := c.minSize[nt]
	if c.maxSize <= min {
		return min
	}
	return min + rng.Intn(c.maxSize-min+1)
}

// GenerateTreeFromNT recursively expands nt into a Tree within sizeBudget
// nodes, preferring rules whose minimum size fits the remaining budget.
// rng is the caller's own RNG — never shared across goroutines.
func (c *Context) GenerateTreeFromNT(rng *rand.Rand, nt NTermID, sizeBudget int) *Tree {
	t := &Tree{}
	c.generateInto(rng, t, nt, sizeBudget, 0)
	return t
}

// generateInto appends the expansion of nt, with parent as its parent node
// index (0 and self-referential for the root), and returns the index of
// the node it just appended.
func (c *Context) generateInto(rng *rand.Rand, t *Tree, nt NTermID, budget int, parent NodeID) int {
	candidates := c.rulesByNT[nt]
	var fitting []RuleID
	for _, rid := range candidates {
		if c.ruleMinSize(rid) <= budget {
			fitting = append(fitting, rid)
		}
	}
	pool := fitting
	if len(pool) == 0 {
		pool = candidates // budget exhausted; fall back to any rule to terminate
	}
	chosen := pool[rng.Intn(len(pool))]

	idx := len(t.Rules)
	t.Rules = append(t.Rules, chosen)
	t.Sizes = append(t.Sizes, 0) // patched below once children are known
	if idx == 0 {
		t.Paren = append(t.Paren, NodeID(0))
	} else {
		t.Paren = append(t.Paren, parent)
	}

	rule := c.rules[chosen]
	childBudget := budget - 1
	for _, term := range rule.Terms {
		if !term.IsNT {
			continue
		}
		before := len(t.Rules)
		c.generateInto(rng, t, term.NT, maxInt(childBudget, c.minSize[term.NT]), NodeID(idx))
		childBudget -= len(t.Rules) - before
	}
	t.Sizes[idx] = len(t.Rules) - idx
	return idx
}

func (c *Context) ruleMinSize(rid RuleID) int {
	size := 1
	for _, term := range c.rules[rid].Terms {
		if term.IsNT {
			size += c.minSize[term.NT]
		}
	}
	return size
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
