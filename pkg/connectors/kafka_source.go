package connectors

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/boostsql/pkg/operator"
)

// KafkaSource consumes JSON records from a Kafka topic and produces Arrow
// RecordBatches of Utf8 columns, one per configured field.
type KafkaSource struct {
	topic            string
	bootstrapServers string
	columns          []string
	startupMode      string
	consumerGroup    string
	alloc            memory.Allocator
	client           *kgo.Client
}

// NewKafkaSource creates a Kafka source connector.
func NewKafkaSource(topic, bootstrapServers string, columns []string, startupMode, consumerGroup string) *KafkaSource {
	return &KafkaSource{
		topic:            topic,
		bootstrapServers: bootstrapServers,
		columns:          columns,
		startupMode:      startupMode,
		consumerGroup:    consumerGroup,
	}
}

func (k *KafkaSource) Open(ctx *operator.Context) error {
	if len(k.columns) == 0 {
		return fmt.Errorf("kafka source: no columns")
	}
	k.alloc = ctx.Alloc

	opts := []kgo.Opt{
		kgo.SeedBrokers(k.bootstrapServers),
		kgo.ConsumeTopics(k.topic),
	}

	if k.consumerGroup != "" {
		opts = append(opts, kgo.ConsumerGroup(k.consumerGroup))
	}

	switch k.startupMode {
	case "latest-offset", "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka source: create client: %w", err)
	}
	k.client = client
	return nil
}

// Schema returns the schema of the produced batches.
func (k *KafkaSource) Schema() *arrow.Schema {
	fields := make([]arrow.Field, len(k.columns))
	for i, name := range k.columns {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func (k *KafkaSource) Run(ctx *operator.Context, out chan<- arrow.Record) error {
	defer close(out)

	schema := k.Schema()
	var buffer []map[string]any

	for {
		fetches := k.client.PollFetches(ctx.Ctx)
		if fetches.IsClientClosed() || ctx.Ctx.Err() != nil {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				ctx.Logger.Error("kafka fetch error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
			}
			ctx.Metrics.Errors.Add(int64(len(errs)))
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			var row map[string]any
			if err := json.Unmarshal(rec.Value, &row); err != nil {
				ctx.Logger.Error("kafka json decode error", "offset", rec.Offset, "error", err)
				ctx.Metrics.Errors.Add(1)
				return
			}
			buffer = append(buffer, row)
		})

		for len(buffer) > 0 {
			n := min(len(buffer), defaultBatchSize)
			batch := jsonRowsToRecord(k.alloc, schema, buffer[:n])
			buffer = buffer[n:]

			select {
			case out <- batch:
				ctx.Metrics.BatchesProcessed.Add(1)
				ctx.Metrics.RowsProcessed.Add(int64(n))
			case <-ctx.Done():
				batch.Release()
				return nil
			}
		}
	}
}

func (k *KafkaSource) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}

// jsonRowsToRecord converts JSON objects to a batch of Utf8 columns. Missing
// and null fields become nulls; numbers and booleans are rendered as text.
func jsonRowsToRecord(alloc memory.Allocator, schema *arrow.Schema, rows []map[string]any) arrow.Record {
	numCols := schema.NumFields()
	builders := make([]*array.StringBuilder, numCols)
	for i := range builders {
		builders[i] = array.NewStringBuilder(alloc)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		for i := 0; i < numCols; i++ {
			val, ok := row[schema.Field(i).Name]
			if !ok || val == nil {
				builders[i].AppendNull()
				continue
			}
			builders[i].Append(jsonText(val))
		}
	}

	arrays := make([]arrow.Array, numCols)
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}

	rec := array.NewRecord(schema, arrays, int64(len(rows)))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func jsonText(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
