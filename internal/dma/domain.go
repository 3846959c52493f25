package dma

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// derivedFactLimit caps fixpoint evaluation so a pathological rule set
// cannot stall the assessment pass.
const derivedFactLimit = 100000

// domainSchemas declares the predicates the evaluator asserts and reads.
const domainSchemas = `
# Input facts asserted per evaluation.
Decl thought_content(ID, Content).
Decl content_term(ID, Term).
Decl thought_depth(ID, Depth).
Decl task_priority(ID, Priority).
Decl task_origin(ID, Origin).
Decl active_profile(Name).

# Derived verdicts read back after fixpoint.
Decl hard_stop(ID, Action, Reason).
Decl domain_flag(ID, Flag).
`

// domainBaseRules is the built-in standing policy. Deployments extend it
// through pipeline.domain_rules_path; extensions are appended after the
// base so they can only add verdicts, never remove them.
const domainBaseRules = `
# Credential material must never flow through an automated reply.
hard_stop(ID, /reject, "credential material in request") :-
    content_term(ID, "plaintext"), content_term(ID, "password").

# Production changes go to a human, not an autonomous dispatch.
hard_stop(ID, /defer, "production change requires human sign-off") :-
    content_term(ID, "deploy"), content_term(ID, "production").
hard_stop(ID, /defer, "production change requires human sign-off") :-
    content_term(ID, "rollback"), content_term(ID, "production").

# Deep ponder chains deserve scrutiny before branching further.
domain_flag(ID, /deep_chain) :- thought_depth(ID, Depth), Depth > 2.

# Work arriving without an origin channel is traced but not blocked.
domain_flag(ID, /unknown_origin) :- task_origin(ID, "").

# Urgency claims on low-priority tasks are a known manipulation shape.
domain_flag(ID, /urgency_mismatch) :-
    content_term(ID, "urgent"), task_priority(ID, Priority), Priority < 1.
`

// DomainDMA evaluates a thought against a Datalog rule set. The program is
// parsed and analyzed once at construction; each evaluation asserts the
// thought's facts into a fresh store, runs to fixpoint, and reads back
// hard_stop and domain_flag verdicts.
type DomainDMA struct {
	programInfo *analysis.ProgramInfo
}

// NewDomain compiles the base rules plus any extra rule text. Extra text
// uses the same syntax as the base rules and may declare new intermediate
// predicates of its own.
func NewDomain(extraRules string) (*DomainDMA, error) {
	var sb strings.Builder
	sb.WriteString(domainSchemas)
	sb.WriteString("\n")
	sb.WriteString(domainBaseRules)
	if extraRules != "" {
		sb.WriteString("\n")
		sb.WriteString(extraRules)
		sb.WriteString("\n")
	}

	parsed, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return nil, fmt.Errorf("parse domain rules: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze domain rules: %w", err)
	}
	logging.PipelineDebug("domain rules compiled: %d clauses, %d predicates", len(parsed.Clauses), len(programInfo.Decls))
	return &DomainDMA{programInfo: programInfo}, nil
}

func (d *DomainDMA) Name() string { return types.DMADomain }

func (d *DomainDMA) Evaluate(ctx context.Context, tc types.ThoughtContext) (types.Assessment, error) {
	store := factstore.NewSimpleInMemoryStore()
	for _, atom := range d.thoughtFacts(tc) {
		store.Add(atom)
	}

	if _, err := engine.EvalProgramWithStats(d.programInfo, store, engine.WithCreatedFactLimit(derivedFactLimit)); err != nil {
		return types.Assessment{}, fmt.Errorf("domain fixpoint: %w", err)
	}

	stops, err := d.collect(store, "hard_stop")
	if err != nil {
		return types.Assessment{}, err
	}
	flagged, err := d.collect(store, "domain_flag")
	if err != nil {
		return types.Assessment{}, err
	}

	if len(stops) > 0 {
		// Store iteration order is not stable; sort so repeated evaluations
		// of the same thought report the same verdict.
		sort.Slice(stops, func(i, j int) bool { return stops[i][2] < stops[j][2] })
		stop := stops[0]
		return types.Assessment{
			HardStop:       true,
			HardStopAction: stopAction(stop[1]),
			Flags:          flagNames(flagged),
			Score:          1,
			Reasoning:      stop[2],
		}, nil
	}

	a := types.Assessment{Score: 1, Reasoning: "no domain rules matched"}
	if flags := flagNames(flagged); len(flags) > 0 {
		a.Flags = flags
		a.Score = 0.85
		a.Reasoning = "domain rules flagged: " + strings.Join(flags, ", ")
	}
	return a, nil
}

// thoughtFacts builds the EDB for one evaluation.
func (d *DomainDMA) thoughtFacts(tc types.ThoughtContext) []ast.Atom {
	id := tc.Thought.ID
	atoms := []ast.Atom{
		ast.NewAtom("thought_content", ast.String(id), ast.String(tc.Thought.Content)),
		ast.NewAtom("thought_depth", ast.String(id), ast.Number(int64(tc.Thought.Depth))),
		ast.NewAtom("task_priority", ast.String(id), ast.Number(int64(tc.Task.Priority))),
		ast.NewAtom("task_origin", ast.String(id), ast.String(tc.Task.Origin)),
		ast.NewAtom("active_profile", ast.String(tc.Profile)),
	}
	for _, term := range contentTerms(tc.Thought.Content) {
		atoms = append(atoms, ast.NewAtom("content_term", ast.String(id), ast.String(term)))
	}
	return atoms
}

// collect reads every fact of the named predicate back out of the store as
// string-rendered argument tuples.
func (d *DomainDMA) collect(store factstore.FactStore, predicate string) ([][]string, error) {
	var out [][]string
	for pred := range d.programInfo.Decls {
		if pred.Symbol != predicate {
			continue
		}
		err := store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			row := make([]string, len(a.Args))
			for i, term := range a.Args {
				row[i] = termString(term)
			}
			out = append(out, row)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", predicate, err)
		}
		break
	}
	return out, nil
}

// termString extracts a plain string from a Mangle constant.
func termString(term ast.BaseTerm) string {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.NameType, ast.StringType:
		return c.Symbol
	case ast.NumberType:
		return fmt.Sprintf("%d", c.NumValue)
	case ast.Float64Type:
		f, _ := c.Float64Value()
		return fmt.Sprintf("%g", f)
	default:
		return c.Symbol
	}
}

// stopAction maps the rule's action constant onto the vocabulary. Unknown
// constants collapse to reject, the conservative end.
func stopAction(name string) types.ActionType {
	switch name {
	case "/defer":
		return types.ActionDefer
	default:
		return types.ActionReject
	}
}

// flagNames converts derived flag rows to bare flag strings, sorted and
// deduplicated.
func flagNames(rows [][]string) []string {
	seen := make(map[string]struct{}, len(rows))
	var out []string
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		flag := strings.TrimPrefix(row[1], "/")
		if _, dup := seen[flag]; dup {
			continue
		}
		seen[flag] = struct{}{}
		out = append(out, flag)
	}
	sort.Strings(out)
	return out
}

// contentTerms tokenizes content into lowercase word terms for rule
// matching. Punctuation is stripped; duplicates are dropped.
func contentTerms(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '-' && r != '_'
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
