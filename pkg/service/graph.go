package service

import (
	"encoding/json"
	"sort"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
)

// Plan is the execution order derived from a graph.
type Plan struct {
	// Order lists every node in declared topological order.
	Order []models.Node
	// Stages groups nodes that may start together. Without Graph.Parallel
	// every stage holds exactly one node.
	Stages [][]models.Node
	// Upstream maps a node id to its direct predecessors, in declared order.
	Upstream map[string][]string
	// Sinks are the nodes with no successors, in declared order.
	Sinks []string
}

// ParseGraph decodes and validates a workflow version payload.
func ParseGraph(payload json.RawMessage) (models.Graph, error) {
	var g models.Graph
	if len(payload) == 0 {
		return g, validationf("empty workflow payload")
	}
	if err := json.Unmarshal(payload, &g); err != nil {
		return g, validationf("malformed workflow payload: %v", err)
	}
	if _, err := BuildPlan(g); err != nil {
		return g, err
	}
	return g, nil
}

// BuildPlan validates g and computes its execution order with Kahn's
// algorithm. Ready nodes are taken in declaration order, so a graph without
// edges runs exactly as declared.
func BuildPlan(g models.Graph) (Plan, error) {
	if len(g.Nodes) == 0 {
		return Plan{}, validationf("workflow has no nodes")
	}

	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return Plan{}, validationf("node %d has an empty id", i)
		}
		if n.Type == "" {
			return Plan{}, validationf("node %s has an empty type", n.ID)
		}
		if n.TimeoutSeconds < 0 || n.Retries < 0 {
			return Plan{}, validationf("node %s has a negative timeout or retry count", n.ID)
		}
		if _, dup := index[n.ID]; dup {
			return Plan{}, validationf("duplicate node id %s", n.ID)
		}
		index[n.ID] = i
	}

	successors := make([][]int, len(g.Nodes))
	inDegree := make([]int, len(g.Nodes))
	upstream := make(map[string][]string, len(g.Nodes))
	seen := make(map[models.Edge]struct{}, len(g.Edges))
	for _, e := range g.Edges {
		src, ok := index[e.Source]
		if !ok {
			return Plan{}, validationf("edge references unknown node %s", e.Source)
		}
		dst, ok := index[e.Target]
		if !ok {
			return Plan{}, validationf("edge references unknown node %s", e.Target)
		}
		if src == dst {
			return Plan{}, validationf("node %s depends on itself", e.Source)
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		successors[src] = append(successors[src], dst)
		inDegree[dst]++
	}
	for j, n := range g.Nodes {
		for _, s := range successors[j] {
			target := g.Nodes[s].ID
			upstream[target] = append(upstream[target], n.ID)
		}
	}

	level := make([]int, len(g.Nodes))
	var ready []int
	for i := range g.Nodes {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	var order []int
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, next := range successors[cur] {
			if level[cur]+1 > level[next] {
				level[next] = level[cur] + 1
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Ints(ready)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return Plan{}, validationf("cycle detected in workflow graph")
	}

	plan := Plan{Upstream: upstream}
	for _, i := range order {
		plan.Order = append(plan.Order, g.Nodes[i])
	}
	if g.Parallel {
		byLevel := map[int][]int{}
		maxLevel := 0
		for _, i := range order {
			byLevel[level[i]] = append(byLevel[level[i]], i)
			if level[i] > maxLevel {
				maxLevel = level[i]
			}
		}
		for l := 0; l <= maxLevel; l++ {
			idx := byLevel[l]
			sort.Ints(idx)
			stage := make([]models.Node, 0, len(idx))
			for _, i := range idx {
				stage = append(stage, g.Nodes[i])
			}
			plan.Stages = append(plan.Stages, stage)
		}
	} else {
		for _, n := range plan.Order {
			plan.Stages = append(plan.Stages, []models.Node{n})
		}
	}
	for i, n := range g.Nodes {
		if len(successors[i]) == 0 {
			plan.Sinks = append(plan.Sinks, n.ID)
		}
	}
	return plan, nil
}
