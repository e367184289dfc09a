package flow

import (
	"fmt"
	"strings"
)

// ToDOT generates a DOT format representation of the graph for
// visualization. The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", g.FlowName))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range g.topo {
		n := g.nodes[name]
		label := n.Name
		switch n.Kind {
		case KindForeach:
			label = fmt.Sprintf("%s\\nforeach %s", n.Name, n.ForeachVar)
		case KindSwitch:
			label = n.Name + "\\nswitch"
		case KindJoin:
			label = n.Name + "\\njoin"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
			n.Name, label, kindColor(n.Kind)))
	}
	sb.WriteString("\n")

	for _, name := range g.topo {
		n := g.nodes[name]
		switch n.TransitionKind {
		case TransitionSwitch:
			for _, key := range sortedKeys(n.SwitchCases) {
				sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q, style=dashed];\n",
					n.Name, n.SwitchCases[key], key))
			}
		case TransitionForeach:
			sb.WriteString(fmt.Sprintf("  %q -> %q [style=bold, label=\"*\"];\n",
				n.Name, n.Targets[0]))
		default:
			for _, t := range n.Targets {
				sb.WriteString(fmt.Sprintf("  %q -> %q;\n", n.Name, t))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(kind NodeKind) string {
	switch kind {
	case KindStart:
		return "lightgreen"
	case KindEnd:
		return "lightcoral"
	case KindBranch, KindForeach, KindSwitch:
		return "lightyellow"
	case KindJoin:
		return "lightblue"
	default:
		return "lightgray"
	}
}
