package engine

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/sandboxws/boostsql/pkg/connectors"
	"github.com/sandboxws/boostsql/pkg/operators"
)

// OperatorType names what an operator node does.
type OperatorType string

const (
	OpGenerator   OperatorType = "generator"
	OpCSVSource   OperatorType = "csv_source"
	OpKafkaSource OperatorType = "kafka_source"
	OpFilter      OperatorType = "filter"
	OpMap         OperatorType = "map"
	OpCast        OperatorType = "cast"
	OpConsole     OperatorType = "console"
	OpKafkaSink   OperatorType = "kafka_sink"
)

// IsSource reports whether t produces batches without upstream edges.
func (t OperatorType) IsSource() bool {
	return t == OpGenerator || t == OpCSVSource || t == OpKafkaSource
}

// IsSink reports whether t consumes batches without downstream edges.
func (t OperatorType) IsSink() bool {
	return t == OpConsole || t == OpKafkaSink
}

// ShuffleStrategy controls how batches cross an edge.
type ShuffleStrategy string

const (
	// ShuffleForward lets linear runs of operators fuse into one goroutine.
	ShuffleForward ShuffleStrategy = "forward"
	// ShuffleRebalance always puts a channel, and a goroutine boundary, on the edge.
	ShuffleRebalance ShuffleStrategy = "rebalance"
)

// Plan is a scoring pipeline: operator nodes wired by edges, plus the model
// that predict scores with.
type Plan struct {
	PipelineName string          `yaml:"pipeline"`
	Model        ModelConfig     `yaml:"model"`
	Operators    []*OperatorNode `yaml:"operators"`
	Edges        []*Edge         `yaml:"edges"`
}

// ModelConfig configures the predict function of a pipeline.
type ModelConfig struct {
	Path         string `yaml:"path"`
	Format       string `yaml:"format"`
	PredictArity int    `yaml:"predict_arity"`
}

// OperatorNode describes one operator. Only the section matching Type is read.
type OperatorNode struct {
	ID   string       `yaml:"id"`
	Name string       `yaml:"name"`
	Type OperatorType `yaml:"type"`

	Generator *GeneratorSpec        `yaml:"generator,omitempty"`
	CSV       *CSVSpec              `yaml:"csv,omitempty"`
	Kafka     *KafkaSpec            `yaml:"kafka,omitempty"`
	Condition string                `yaml:"condition,omitempty"`
	Columns   []operators.MapColumn `yaml:"columns,omitempty"`
	Cast      []CastSpec            `yaml:"cast,omitempty"`
	Console   *ConsoleSpec          `yaml:"console,omitempty"`
}

// GeneratorSpec configures a synthetic categorical source.
type GeneratorSpec struct {
	Columns       []connectors.GeneratorColumn `yaml:"columns"`
	RowsPerSecond int64                        `yaml:"rows_per_second"`
	MaxRows       int64                        `yaml:"max_rows"`
	Seed          uint64                       `yaml:"seed"`
}

// CSVSpec configures a CSV file source.
type CSVSpec struct {
	Path       string   `yaml:"path"`
	Delimiter  string   `yaml:"delimiter"`
	BatchSize  int      `yaml:"batch_size"`
	InferTypes bool     `yaml:"infer_types"`
	NullValues []string `yaml:"null_values"`
}

// KafkaSpec configures a Kafka source or sink.
type KafkaSpec struct {
	Topic            string   `yaml:"topic"`
	BootstrapServers string   `yaml:"bootstrap_servers"`
	Columns          []string `yaml:"columns"`
	StartupMode      string   `yaml:"startup_mode"`
	ConsumerGroup    string   `yaml:"consumer_group"`
	KeyBy            []string `yaml:"key_by"`
}

// CastSpec casts one column. Type uses arrow_cast names such as
// "Dictionary(Int32, Utf8)".
type CastSpec struct {
	Column     string   `yaml:"column"`
	Type       string   `yaml:"type"`
	Categories []string `yaml:"categories"`
}

// ConsoleSpec configures the console sink.
type ConsoleSpec struct {
	MaxRows int `yaml:"max_rows"`
}

// Edge connects two operators.
type Edge struct {
	From    string          `yaml:"from"`
	To      string          `yaml:"to"`
	Shuffle ShuffleStrategy `yaml:"shuffle"`
}

// forward reports whether the edge allows chaining. Forward is the default.
func (e *Edge) forward() bool {
	return e.Shuffle == "" || e.Shuffle == ShuffleForward
}

// LoadPlan reads a YAML plan from a file path.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}
	return ParsePlan(data)
}

// ParsePlan parses a YAML plan. ${VAR} and ${VAR:-default} references are
// replaced from the environment before parsing.
func ParsePlan(data []byte) (*Plan, error) {
	plan := &Plan{}
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return plan, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}
