package engine

import (
	"fmt"
	"strings"
)

// ValidatePlan checks the execution plan for structural integrity.
func ValidatePlan(plan *Plan) error {
	if plan.PipelineName == "" {
		return fmt.Errorf("pipeline name is required")
	}

	if len(plan.Operators) == 0 {
		return fmt.Errorf("plan must contain at least one operator")
	}

	// Build operator lookup.
	operatorIDs := make(map[string]*OperatorNode, len(plan.Operators))
	for _, op := range plan.Operators {
		if op.ID == "" {
			return fmt.Errorf("operator has empty id")
		}
		if _, exists := operatorIDs[op.ID]; exists {
			return fmt.Errorf("duplicate operator id: %s", op.ID)
		}
		if err := validateNode(op); err != nil {
			return fmt.Errorf("operator %s: %w", op.ID, err)
		}
		operatorIDs[op.ID] = op
	}

	// Validate edges reference existing operators.
	for i, edge := range plan.Edges {
		from, ok := operatorIDs[edge.From]
		if !ok {
			return fmt.Errorf("edge[%d]: from %q does not exist", i, edge.From)
		}
		to, ok := operatorIDs[edge.To]
		if !ok {
			return fmt.Errorf("edge[%d]: to %q does not exist", i, edge.To)
		}
		if edge.From == edge.To {
			return fmt.Errorf("edge[%d]: self-loop on operator %q", i, edge.From)
		}
		if from.Type.IsSink() {
			return fmt.Errorf("edge[%d]: sink %q cannot have downstream operators", i, edge.From)
		}
		if to.Type.IsSource() {
			return fmt.Errorf("edge[%d]: source %q cannot have upstream operators", i, edge.To)
		}
		if !edge.forward() && edge.Shuffle != ShuffleRebalance {
			return fmt.Errorf("edge[%d]: unknown shuffle strategy %q", i, edge.Shuffle)
		}
	}

	// Check for DAG cycles using DFS.
	return detectCycles(plan)
}

// validateNode checks that a node carries the configuration its type needs.
func validateNode(op *OperatorNode) error {
	switch op.Type {
	case OpGenerator:
		if op.Generator == nil || len(op.Generator.Columns) == 0 {
			return fmt.Errorf("generator needs columns")
		}
	case OpCSVSource:
		if op.CSV == nil || op.CSV.Path == "" {
			return fmt.Errorf("csv_source needs a path")
		}
		if len([]rune(op.CSV.Delimiter)) > 1 {
			return fmt.Errorf("csv delimiter %q must be one character", op.CSV.Delimiter)
		}
	case OpKafkaSource, OpKafkaSink:
		if op.Kafka == nil || op.Kafka.Topic == "" || op.Kafka.BootstrapServers == "" {
			return fmt.Errorf("%s needs a topic and bootstrap servers", op.Type)
		}
		if op.Type == OpKafkaSource && len(op.Kafka.Columns) == 0 {
			return fmt.Errorf("kafka_source needs columns")
		}
	case OpFilter:
		if strings.TrimSpace(op.Condition) == "" {
			return fmt.Errorf("filter needs a condition")
		}
	case OpMap:
		if len(op.Columns) == 0 {
			return fmt.Errorf("map needs columns")
		}
	case OpCast:
		if len(op.Cast) == 0 {
			return fmt.Errorf("cast needs columns")
		}
	case OpConsole:
	default:
		return fmt.Errorf("unknown operator type %q", op.Type)
	}
	return nil
}

// detectCycles performs a DFS-based cycle check on the operator DAG.
func detectCycles(plan *Plan) error {
	adj := make(map[string][]string)
	for _, edge := range plan.Edges {
		adj[edge.From] = append(adj[edge.From], edge.To)
	}

	const (
		white = 0 // unvisited
		gray  = 1 // visiting (in current path)
		black = 2 // done
	)

	color := make(map[string]int)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		color[node] = gray
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				// Found a cycle; find where it starts in path.
				cycleStart := -1
				for i, n := range path {
					if n == next {
						cycleStart = i
						break
					}
				}
				cycle := append(path[cycleStart:], next)
				return fmt.Errorf("cycle detected: %s", strings.Join(cycle, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for _, op := range plan.Operators {
		if color[op.ID] == white {
			if err := dfs(op.ID); err != nil {
				return err
			}
		}
	}

	return nil
}
