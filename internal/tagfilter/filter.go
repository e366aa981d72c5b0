package tagfilter

import "strings"

// Strategy is how a preset's stored tag list combines.
type Strategy string

const (
	StrategyOr       Strategy = "or"
	StrategyAnd      Strategy = "and"
	StrategyAdvanced Strategy = "advanced"
)

// Preset is a named, stored filter: either an OR/AND list of tags or an
// advanced expression string, selected by Strategy.
type Preset struct {
	Name       string
	Strategy   Strategy
	Tags       []string
	Expression string
}

// Kind discriminates which query parameter produced a TagFilter.
type Kind int

const (
	KindNone Kind = iota
	KindSimple
	KindAdvanced
	KindPreset
)

// TagFilter is the resolved filter a session or request applies against a
// backend's tags. An empty/None filter matches everything.
type TagFilter struct {
	Kind       Kind
	PresetName string
	expr       *Expr
}

// Matches reports whether tags satisfies the filter. A None filter always
// matches (spec §4.6 "Evaluation").
func (f TagFilter) Matches(tags map[string]struct{}) bool {
	if f.Kind == KindNone {
		return true
	}
	return f.expr.Evaluate(tags)
}

// None is the filter that matches every backend.
var None = TagFilter{Kind: KindNone}

// FromTags builds a simple OR filter from a comma-separated tag list,
// equivalent to "tags=a,b,c" -> t1 OR t2 OR ... (spec §4.6).
func FromTags(tags []string) TagFilter {
	if len(tags) == 0 {
		return None
	}
	children := make([]*Expr, len(tags))
	for i, t := range tags {
		children[i] = &Expr{Kind: NodeTag, Tag: strings.TrimSpace(t)}
	}
	var expr *Expr
	if len(children) == 1 {
		expr = children[0]
	} else {
		expr = &Expr{Kind: NodeOr, Children: children}
	}
	return TagFilter{Kind: KindSimple, expr: expr}
}

// FromExpression parses an advanced tag-filter expression.
func FromExpression(raw string) (TagFilter, error) {
	if strings.TrimSpace(raw) == "" {
		return None, nil
	}
	expr, err := Parse(raw)
	if err != nil {
		return TagFilter{}, err
	}
	return TagFilter{Kind: KindAdvanced, expr: expr}, nil
}

// ResolvePreset resolves a stored preset into a TagFilter according to its
// strategy. Presets that fail to resolve or whose expression fails to
// parse produce InvalidParamsError (spec §4.6).
func ResolvePreset(p Preset) (TagFilter, error) {
	switch p.Strategy {
	case StrategyOr:
		f := FromTags(p.Tags)
		f.Kind = KindPreset
		f.PresetName = p.Name
		return f, nil
	case StrategyAnd:
		if len(p.Tags) == 0 {
			return TagFilter{}, &InvalidParamsError{
				Message:  "preset " + p.Name + " has an 'and' strategy but no tags",
				Examples: exampleExpressions,
			}
		}
		children := make([]*Expr, len(p.Tags))
		for i, t := range p.Tags {
			children[i] = &Expr{Kind: NodeTag, Tag: strings.TrimSpace(t)}
		}
		return TagFilter{Kind: KindPreset, PresetName: p.Name, expr: &Expr{Kind: NodeAnd, Children: children}}, nil
	case StrategyAdvanced:
		f, err := FromExpression(p.Expression)
		if err != nil {
			return TagFilter{}, &InvalidParamsError{
				Message:  "preset " + p.Name + " expression is invalid: " + err.Error(),
				Examples: exampleExpressions,
			}
		}
		f.Kind = KindPreset
		f.PresetName = p.Name
		return f, nil
	default:
		return TagFilter{}, &InvalidParamsError{
			Message:  "preset " + p.Name + " has an unknown strategy " + string(p.Strategy),
			Examples: exampleExpressions,
		}
	}
}

// Params is the raw set of query parameters a caller supplied; exactly
// zero or one of Tags/TagFilterExpr/Preset may be non-empty (spec §4.6).
type Params struct {
	Tags           []string
	TagFilterExpr  string
	Preset         string
}

// Resolve validates mutual exclusivity of the three query parameter forms
// and builds the corresponding TagFilter. presetLookup is consulted only
// when Params.Preset is set.
func Resolve(p Params, presetLookup func(name string) (Preset, bool)) (TagFilter, error) {
	set := 0
	if len(p.Tags) > 0 {
		set++
	}
	if strings.TrimSpace(p.TagFilterExpr) != "" {
		set++
	}
	if strings.TrimSpace(p.Preset) != "" {
		set++
	}
	if set > 1 {
		return TagFilter{}, &InvalidParamsError{
			Message:  "Cannot use multiple filtering parameters simultaneously. Use exactly one of tags, tag-filter, or preset.",
			Examples: exampleExpressions,
		}
	}
	switch {
	case len(p.Tags) > 0:
		return FromTags(p.Tags), nil
	case strings.TrimSpace(p.TagFilterExpr) != "":
		return FromExpression(p.TagFilterExpr)
	case strings.TrimSpace(p.Preset) != "":
		preset, ok := presetLookup(p.Preset)
		if !ok {
			return TagFilter{}, &InvalidParamsError{
				Message:  "unknown preset " + p.Preset,
				Examples: exampleExpressions,
			}
		}
		return ResolvePreset(preset)
	default:
		return None, nil
	}
}
