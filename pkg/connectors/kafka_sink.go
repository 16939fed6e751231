package connectors

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/boostsql/pkg/arrow/helpers"
	"github.com/sandboxws/boostsql/pkg/operator"
)

// KafkaSink serializes Arrow RecordBatches as one JSON object per row and
// produces them to a Kafka topic.
type KafkaSink struct {
	topic            string
	bootstrapServers string
	keyBy            []string
	client           *kgo.Client
	ctx              context.Context
}

// NewKafkaSink creates a Kafka sink connector.
func NewKafkaSink(topic, bootstrapServers string, keyBy []string) *KafkaSink {
	return &KafkaSink{
		topic:            topic,
		bootstrapServers: bootstrapServers,
		keyBy:            keyBy,
	}
}

func (k *KafkaSink) Open(ctx *operator.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.bootstrapServers),
		kgo.DefaultProduceTopic(k.topic),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	k.ctx = context.Background()
	if ctx != nil && ctx.Ctx != nil {
		k.ctx = ctx.Ctx
	}
	return nil
}

func (k *KafkaSink) WriteBatch(batch arrow.Record) error {
	rows, err := EncodeRows(batch)
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	for i, value := range rows {
		rec := &kgo.Record{Value: value}
		if len(k.keyBy) > 0 {
			key, err := rowKey(batch, i, k.keyBy)
			if err != nil {
				return fmt.Errorf("kafka sink: key row %d: %w", i, err)
			}
			rec.Key = key
		}
		k.client.Produce(k.ctx, rec, nil)
	}

	// Flush to ensure delivery.
	if err := k.client.Flush(k.ctx); err != nil {
		return fmt.Errorf("kafka sink: flush: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}

// EncodeRows renders every row of batch as a JSON object keyed by column name.
func EncodeRows(batch arrow.Record) ([][]byte, error) {
	schema := batch.Schema()
	out := make([][]byte, batch.NumRows())
	for row := range out {
		record := make(map[string]any, schema.NumFields())
		for col := 0; col < schema.NumFields(); col++ {
			record[schema.Field(col).Name] = jsonValue(batch.Column(col), row)
		}
		b, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("marshal row %d: %w", row, err)
		}
		out[row] = b
	}
	return out, nil
}

func rowKey(batch arrow.Record, row int, cols []string) ([]byte, error) {
	parts := make(map[string]any, len(cols))
	for _, name := range cols {
		col, err := helpers.Column(batch, name)
		if err != nil {
			return nil, err
		}
		parts[name] = jsonValue(col, row)
	}
	return json.Marshal(parts)
}

// jsonValue keeps numbers and booleans native and renders everything else
// as display text.
func jsonValue(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Float32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	default:
		return helpers.FormatValue(arr, row)
	}
}
