package flow

import (
	"fmt"
	"strings"
)

// compile builds the node table, derives edges, and enforces every static
// graph invariant. All violations surface as *ValidationError before a
// single task is created.
func compile(f *Flow) (*Graph, error) {
	if _, ok := f.steps[StartStep]; !ok {
		return nil, &ValidationError{
			Flow:        f.name,
			Reason:      "flow has no start step",
			Remediation: fmt.Sprintf("register a step named %q", StartStep),
		}
	}
	if _, ok := f.steps[EndStep]; !ok {
		return nil, &ValidationError{
			Flow:        f.name,
			Reason:      "flow has no terminal step",
			Remediation: fmt.Sprintf("register a step named %q", EndStep),
		}
	}

	g := &Graph{
		FlowName: f.name,
		nodes:    make(map[string]*Node, len(f.steps)),
	}

	for _, name := range f.order {
		def := f.steps[name]
		node, err := buildNode(f, def)
		if err != nil {
			return nil, err
		}
		g.nodes[name] = node
	}

	// Derive in-edges in registration order.
	for _, name := range f.order {
		for _, target := range g.nodes[name].Targets {
			tn, ok := g.nodes[target]
			if !ok {
				return nil, &ValidationError{
					Flow:        f.name,
					Step:        name,
					Reason:      fmt.Sprintf("transition targets unknown step %q", target),
					Remediation: "register the target step or fix the transition declaration",
				}
			}
			if !contains(tn.Preds, name) {
				tn.Preds = append(tn.Preds, name)
			}
		}
	}

	if err := checkOnErrorTargets(f, g); err != nil {
		return nil, err
	}
	if err := checkReachability(f, g); err != nil {
		return nil, err
	}
	if err := checkAcyclic(f, g); err != nil {
		return nil, err
	}

	topo, err := topoSort(f, g)
	if err != nil {
		return nil, err
	}
	g.topo = topo

	if err := resolveMatchingJoins(f, g); err != nil {
		return nil, err
	}
	if err := checkJoinDeclarations(f, g); err != nil {
		return nil, err
	}

	return g, nil
}

func buildNode(f *Flow, def *stepDef) (*Node, error) {
	if def.body == nil {
		return nil, &ValidationError{
			Flow:        f.name,
			Step:        def.name,
			Reason:      "step has no body",
			Remediation: "provide a non-nil step body",
		}
	}

	if def.name == EndStep {
		if def.declCount != 0 {
			return nil, &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      "terminal step declares a transition",
				Remediation: "remove the transition option from the terminal step",
			}
		}
	} else {
		if def.declCount == 0 {
			return nil, &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      "non-terminal step declares no transition",
				Remediation: "declare exactly one of To, ToBranch, ToForeach or ToSwitch",
			}
		}
		if def.declCount > 1 {
			return nil, &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      fmt.Sprintf("step declares %d transitions", def.declCount),
				Remediation: "declare exactly one of To, ToBranch, ToForeach or ToSwitch",
			}
		}
	}

	if err := checkDecorators(f, def); err != nil {
		return nil, err
	}

	node := &Node{
		Name:    def.name,
		Body:    def.body,
		Retry:   def.retry,
		Catch:   def.catch,
		Timeout: def.timeout,
		OnError: def.onError,
	}

	if def.decl != nil {
		if def.isJoin && (def.decl.kind == TransitionBranch || def.decl.kind == TransitionForeach) {
			return nil, &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      "join step declares a fan-out transition",
				Remediation: "transition out of a join with To or ToSwitch, fanning out from a later step",
			}
		}
		node.TransitionKind = def.decl.kind
		node.Targets = append([]string(nil), def.decl.targets...)
		node.ForeachVar = def.decl.foreachVar
		node.SwitchCases = def.decl.switchCases
		if err := checkDecl(f, def); err != nil {
			return nil, err
		}
	}

	switch {
	case def.isJoin:
		node.Kind = KindJoin
	case def.name == EndStep:
		node.Kind = KindEnd
	case def.decl.kind == TransitionBranch:
		node.Kind = KindBranch
	case def.decl.kind == TransitionForeach:
		node.Kind = KindForeach
	case def.decl.kind == TransitionSwitch:
		node.Kind = KindSwitch
	case def.name == StartStep:
		node.Kind = KindStart
	default:
		node.Kind = KindLinear
	}

	return node, nil
}

func checkDecl(f *Flow, def *stepDef) error {
	decl := def.decl
	switch decl.kind {
	case TransitionBranch:
		if len(decl.targets) < 2 {
			return &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      "branch declares fewer than two targets",
				Remediation: "use To for a single target or add branch arms",
			}
		}
		seen := map[string]bool{}
		for _, t := range decl.targets {
			if seen[t] {
				return &ValidationError{
					Flow:        f.name,
					Step:        def.name,
					Reason:      fmt.Sprintf("branch target %q declared twice", t),
					Remediation: "branch arms must be distinct steps",
				}
			}
			seen[t] = true
		}
	case TransitionSwitch:
		if len(decl.switchCases) == 0 {
			return &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      "switch declares no cases",
				Remediation: "declare at least one key in ToSwitch",
			}
		}
		targetKeys := map[string]string{}
		for _, key := range sortedKeys(decl.switchCases) {
			target := decl.switchCases[key]
			if prev, dup := targetKeys[target]; dup {
				return &ValidationError{
					Flow:        f.name,
					Step:        def.name,
					Reason:      fmt.Sprintf("switch keys %q and %q route to the same target %q", prev, key, target),
					Remediation: "each switch key must route to a distinct step",
				}
			}
			targetKeys[target] = key
		}
	case TransitionForeach:
		if decl.foreachVar == "" {
			return &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      "foreach declares no iteration artifact",
				Remediation: "name the slice artifact in ToForeach",
			}
		}
	}
	return nil
}

// checkDecorators validates decorator parameters at build time so invalid
// values never surface mid-run.
func checkDecorators(f *Flow, def *stepDef) error {
	if def.retry != nil {
		if def.retry.Times < 0 {
			return &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      fmt.Sprintf("retry times must be >= 0, got %d", def.retry.Times),
				Remediation: "set WithRetry times to zero or a positive count",
			}
		}
		if def.retry.Backoff < 0 {
			return &ValidationError{
				Flow:        f.name,
				Step:        def.name,
				Reason:      "retry backoff must not be negative",
				Remediation: "set WithRetry backoff to zero or a positive duration",
			}
		}
	}
	if def.catch != nil && def.catch.Var == "" {
		return &ValidationError{
			Flow:        f.name,
			Step:        def.name,
			Reason:      "catch declares an empty artifact name",
			Remediation: "name the artifact that receives the error envelope",
		}
	}
	if def.onError != "" && def.catch == nil {
		return &ValidationError{
			Flow:        f.name,
			Step:        def.name,
			Reason:      "on-error target declared without catch",
			Remediation: "add WithCatch or remove WithOnError",
		}
	}
	if def.timeout != nil && def.timeout.Duration <= 0 {
		return &ValidationError{
			Flow:        f.name,
			Step:        def.name,
			Reason:      "timeout duration must be positive",
			Remediation: "set WithTimeout to a positive duration",
		}
	}
	return nil
}

func checkOnErrorTargets(f *Flow, g *Graph) error {
	for _, n := range g.nodes {
		if n.OnError != "" && !g.Has(n.OnError) {
			return &ValidationError{
				Flow:        f.name,
				Step:        n.Name,
				Reason:      fmt.Sprintf("on-error target %q is not a registered step", n.OnError),
				Remediation: "point WithOnError at a registered step",
			}
		}
	}
	return nil
}

func checkReachability(f *Flow, g *Graph) error {
	visited := map[string]bool{}
	queue := []string{StartStep}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		for _, t := range g.nodes[name].Targets {
			if !visited[t] {
				queue = append(queue, t)
			}
		}
	}
	for name := range g.nodes {
		if visited[name] {
			continue
		}
		// On-error targets are not graph edges, so a step only named by
		// WithOnError still needs a normal transition into it.
		for _, n := range g.nodes {
			if n.OnError == name {
				return &ValidationError{
					Flow:        f.name,
					Step:        name,
					Reason:      fmt.Sprintf("step is only reachable through the on-error fallback of %q", n.Name),
					Remediation: "on-error targets must lie on a normal control-flow path; route a transition into the step",
				}
			}
		}
		return &ValidationError{
			Flow:        f.name,
			Step:        name,
			Reason:      "step is not reachable from start",
			Remediation: "connect the step to the graph or remove it",
		}
	}
	return nil
}

// checkAcyclic detects cycles with a depth-first search and reports the
// cycle path in the error.
func checkAcyclic(f *Flow, g *Graph) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = inStack
		path = append(path, name)
		for _, t := range g.nodes[name].Targets {
			switch state[t] {
			case inStack:
				cycleStart := 0
				for i, p := range path {
					if p == t {
						cycleStart = i
						break
					}
				}
				cycle := append(append([]string(nil), path[cycleStart:]...), t)
				return &ValidationError{
					Flow:        f.name,
					Step:        t,
					Reason:      "graph contains a cycle: " + strings.Join(cycle, " -> "),
					Remediation: "workflow graphs must be acyclic; break the cycle",
				}
			case unvisited:
				if err := visit(t); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		return nil
	}

	for name := range g.nodes {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveMatchingJoins finds, for every branch and foreach node, the join
// that closes its fan-out. Nesting is handled by depth counting: each
// branch/foreach on the walk opens a level, each join closes one.
func resolveMatchingJoins(f *Flow, g *Graph) error {
	for _, n := range g.nodes {
		switch n.Kind {
		case KindForeach:
			join, err := walkToJoin(f, g, n, n.Targets[0])
			if err != nil {
				return err
			}
			n.MatchingJoin = join
		case KindBranch:
			var join string
			for _, arm := range n.Targets {
				armJoin, err := walkToJoin(f, g, n, arm)
				if err != nil {
					return err
				}
				if join == "" {
					join = armJoin
				} else if join != armJoin {
					return &ValidationError{
						Flow: f.name,
						Step: n.Name,
						Reason: fmt.Sprintf(
							"branch arms converge at different joins (%q vs %q)", join, armJoin),
						Remediation: fmt.Sprintf(
							"step %q must converge all branches at the same join", n.Name),
					}
				}
			}
			n.MatchingJoin = join
		}
	}
	return nil
}

// walkToJoin follows the primary target chain from start until the depth
// opened by the split closes at a join.
func walkToJoin(f *Flow, g *Graph, split *Node, start string) (string, error) {
	depth := 1
	current := start
	visited := map[string]bool{split.Name: true}
	for current != "" && !visited[current] {
		visited[current] = true
		cn := g.nodes[current]
		switch cn.Kind {
		case KindBranch, KindForeach:
			depth++
		case KindJoin:
			depth--
			if depth == 0 {
				return current, nil
			}
		}
		if len(cn.Targets) == 0 {
			break
		}
		current = cn.Targets[0]
	}
	return "", &ValidationError{
		Flow:        f.name,
		Step:        split.Name,
		Reason:      fmt.Sprintf("fan-out starting at %q never reaches a matching join", start),
		Remediation: fmt.Sprintf("route the %s sub-graph of %q into a Join step", split.Kind, split.Name),
	}
}

// checkJoinDeclarations enforces that multi-predecessor steps are declared
// joins, except switch merges where at most one predecessor executes at run
// time, and that every declared join actually closes a fan-out.
func checkJoinDeclarations(f *Flow, g *Graph) error {
	matched := map[string]bool{}
	for _, n := range g.nodes {
		if n.MatchingJoin != "" {
			matched[n.MatchingJoin] = true
		}
	}

	tags := switchArmTags(g)

	for _, name := range g.topo {
		n := g.nodes[name]
		if n.Kind == KindJoin {
			if !matched[n.Name] {
				return &ValidationError{
					Flow:        f.name,
					Step:        n.Name,
					Reason:      "join step does not close any branch or foreach fan-out",
					Remediation: "declare the step with Step, or route a fan-out into it",
				}
			}
			continue
		}
		if len(n.Preds) <= 1 {
			continue
		}
		for i := 0; i < len(n.Preds); i++ {
			for j := i + 1; j < len(n.Preds); j++ {
				a := edgeTags(g, tags, n.Preds[i], n.Name)
				b := edgeTags(g, tags, n.Preds[j], n.Name)
				if !mutuallyExclusive(a, b) {
					return &ValidationError{
						Flow: f.name,
						Step: n.Name,
						Reason: fmt.Sprintf(
							"predecessors %q and %q can both execute, but the step is not declared as a join",
							n.Preds[i], n.Preds[j]),
						Remediation: fmt.Sprintf(
							"register %q with Join, or converge the branches at a single join", n.Name),
					}
				}
			}
		}
	}
	return nil
}

// armTags records, per node, which switch arms a node can be reached
// through: switch step name to the set of keys whose arm leads here.
type armTags map[string]map[string]bool

// switchArmTags propagates switch arm membership forward in topological
// order. Two nodes are mutually exclusive when some switch reaches them
// through disjoint key sets.
func switchArmTags(g *Graph) map[string]armTags {
	tags := make(map[string]armTags, len(g.topo))
	for _, name := range g.topo {
		merged := armTags{}
		n := g.nodes[name]
		for _, pred := range n.Preds {
			for sw, keys := range tags[pred] {
				if merged[sw] == nil {
					merged[sw] = map[string]bool{}
				}
				for k := range keys {
					merged[sw][k] = true
				}
			}
			// A join may also transition with ToSwitch, so arm membership
			// keys on the transition, not the node kind.
			pn := g.nodes[pred]
			if pn.TransitionKind == TransitionSwitch {
				if merged[pred] == nil {
					merged[pred] = map[string]bool{}
				}
				for key, target := range pn.SwitchCases {
					if target == name {
						merged[pred][key] = true
					}
				}
			}
		}
		tags[name] = merged
	}
	return tags
}

// edgeTags returns the tags carried by the pred -> target edge: the
// predecessor's own tags, plus the arm keys when the predecessor is the
// switch itself.
func edgeTags(g *Graph, tags map[string]armTags, pred, target string) armTags {
	pn := g.nodes[pred]
	if pn.TransitionKind != TransitionSwitch {
		return tags[pred]
	}
	merged := armTags{}
	for sw, keys := range tags[pred] {
		merged[sw] = keys
	}
	armKeys := map[string]bool{}
	for key, t := range pn.SwitchCases {
		if t == target {
			armKeys[key] = true
		}
	}
	merged[pred] = armKeys
	return merged
}

func mutuallyExclusive(a, b armTags) bool {
	for sw, aKeys := range a {
		bKeys, ok := b[sw]
		if !ok || len(aKeys) == 0 || len(bKeys) == 0 {
			continue
		}
		disjoint := true
		for k := range aKeys {
			if bKeys[k] {
				disjoint = false
				break
			}
		}
		if disjoint {
			return true
		}
	}
	return false
}

// topoSort orders steps with Kahn's algorithm, breaking ties by
// registration order for deterministic iteration.
func topoSort(f *Flow, g *Graph) ([]string, error) {
	indeg := map[string]int{}
	for _, name := range f.order {
		indeg[name] = len(g.nodes[name].Preds)
	}

	var order []string
	frontier := []string{}
	for _, name := range f.order {
		if indeg[name] == 0 {
			frontier = append(frontier, name)
		}
	}

	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		order = append(order, name)
		for _, t := range g.nodes[name].Targets {
			indeg[t]--
			if indeg[t] == 0 {
				frontier = append(frontier, t)
			}
		}
	}

	if len(order) != len(g.nodes) {
		// Unreachable given the cycle check, kept as a guard.
		return nil, &ValidationError{
			Flow:        f.name,
			Reason:      "topological sort did not cover all steps",
			Remediation: "workflow graphs must be acyclic; break the cycle",
		}
	}
	return order, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
