package flow

// NodeKind classifies a node by its position and declared transition.
type NodeKind string

const (
	KindStart   NodeKind = "start"
	KindLinear  NodeKind = "linear"
	KindBranch  NodeKind = "branch"
	KindForeach NodeKind = "foreach"
	KindSwitch  NodeKind = "switch"
	KindJoin    NodeKind = "join"
	KindEnd     NodeKind = "end"
)

// Node is one step of a compiled graph. Nodes are immutable after Compile.
type Node struct {
	// Name is the step name, unique within the graph.
	Name string

	// Kind classifies the node's control-flow role.
	Kind NodeKind

	// Body is the step implementation dispatched by the executor.
	Body Body

	// Targets are the declared transition targets, empty for the terminal
	// node. For a switch node the targets are the mapping values in key
	// order.
	Targets []string

	// TransitionKind is the declared transition shape, empty for the
	// terminal node.
	TransitionKind TransitionKind

	// ForeachVar names the slice artifact a foreach node iterates over.
	ForeachVar string

	// SwitchCases maps switch keys to targets for a switch node.
	SwitchCases map[string]string

	// Preds are the predecessor step names in registration order.
	Preds []string

	// MatchingJoin is the join step that closes this node's fan-out, set
	// for branch and foreach nodes.
	MatchingJoin string

	// Retry, Catch and Timeout are the step's decorator specifications,
	// nil when not attached. OnError is the catch fallback target, if
	// declared.
	Retry   *RetrySpec
	Catch   *CatchSpec
	Timeout *TimeoutSpec
	OnError string
}

// IsTerminal reports whether the node is the flow's terminal step. The
// terminal step may also be a join, so the check is by name rather than
// kind.
func (n *Node) IsTerminal() bool {
	return n.Name == EndStep
}

// MaxAttempts returns the total number of attempts the node's retry
// decorator permits (1 when no retry decorator is attached).
func (n *Node) MaxAttempts() int {
	if n.Retry == nil {
		return 1
	}
	return n.Retry.Times + 1
}

// DefaultTarget returns the node's default linear target: the single
// declared target for linear and foreach nodes, the first declared target
// otherwise. It is the catch decorator's fallback when no on-error target is
// declared.
func (n *Node) DefaultTarget() string {
	if len(n.Targets) == 0 {
		return ""
	}
	return n.Targets[0]
}

// Graph is the immutable compiled form of a flow. It is owned read-only by
// the scheduler for the lifetime of a run.
type Graph struct {
	// FlowName is the name of the flow this graph was compiled from.
	FlowName string

	nodes map[string]*Node
	topo  []string
}

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node {
	return g.nodes[name]
}

// Has reports whether the graph contains the named step.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Start returns the entry node.
func (g *Graph) Start() *Node {
	return g.nodes[StartStep]
}

// Nodes returns all nodes in topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.topo))
	for _, name := range g.topo {
		out = append(out, g.nodes[name])
	}
	return out
}

// StepsBefore returns the step names strictly before the given step in
// topological order. Resume uses this set to decide which tasks are
// inherited from the origin run instead of re-executed.
func (g *Graph) StepsBefore(step string) []string {
	var out []string
	for _, name := range g.topo {
		if name == step {
			break
		}
		out = append(out, name)
	}
	return out
}

// ForeachScopes returns, for each foreach node, the set of steps strictly
// inside its fan-out (the body chain, excluding the split and the matching
// join).
func (g *Graph) ForeachScopes() map[string][]string {
	scopes := make(map[string][]string)
	for _, name := range g.topo {
		n := g.nodes[name]
		if n.Kind != KindForeach {
			continue
		}
		scopes[name] = g.innerSteps(n.Targets[0], n.MatchingJoin)
	}
	return scopes
}

// innerSteps collects all steps reachable from start up to (excluding) the
// join, breadth-first.
func (g *Graph) innerSteps(start, join string) []string {
	var out []string
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] || name == join {
			continue
		}
		visited[name] = true
		out = append(out, name)
		for _, t := range g.nodes[name].Targets {
			if !visited[t] && t != join {
				queue = append(queue, t)
			}
		}
	}
	return out
}
