package engine

import (
	"fmt"

	"github.com/sandboxws/boostsql/pkg/connectors"
	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/operators"
)

// DefaultFactory builds the built-in sources, operators and sinks from their
// plan nodes.
func DefaultFactory(node *OperatorNode) (interface{}, error) {
	switch node.Type {
	case OpGenerator:
		g := node.Generator
		return connectors.NewGenerator(g.Columns, g.RowsPerSecond, g.MaxRows, g.Seed), nil

	case OpCSVSource:
		c := node.CSV
		opts := connectors.CSVOptions{
			BatchSize:  c.BatchSize,
			InferTypes: c.InferTypes,
			NullValues: c.NullValues,
		}
		if c.Delimiter != "" {
			opts.Delimiter = []rune(c.Delimiter)[0]
		}
		return connectors.NewCSVSource(c.Path, opts), nil

	case OpKafkaSource:
		k := node.Kafka
		return connectors.NewKafkaSource(k.Topic, k.BootstrapServers, k.Columns, k.StartupMode, k.ConsumerGroup), nil

	case OpFilter:
		return operators.NewFilter(node.Condition), nil

	case OpMap:
		return operators.NewMap(node.Columns), nil

	case OpCast:
		cols := make([]operators.CastColumn, len(node.Cast))
		for i, c := range node.Cast {
			dt, err := expr.ParseArrowType(c.Type)
			if err != nil {
				return nil, fmt.Errorf("cast column %q: %w", c.Column, err)
			}
			cols[i] = operators.CastColumn{Name: c.Column, TargetType: dt, Categories: c.Categories}
		}
		return operators.NewCast(cols), nil

	case OpConsole:
		maxRows := 0
		if node.Console != nil {
			maxRows = node.Console.MaxRows
		}
		return connectors.NewConsole(maxRows), nil

	case OpKafkaSink:
		k := node.Kafka
		return connectors.NewKafkaSink(k.Topic, k.BootstrapServers, k.KeyBy), nil

	default:
		return nil, fmt.Errorf("unknown operator type %q", node.Type)
	}
}
