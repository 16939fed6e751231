package udf

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/boostsql/pkg/expr"
	"github.com/sandboxws/boostsql/pkg/model"
	"github.com/sandboxws/boostsql/pkg/onehot"
)

// Config controls how predict is registered.
type Config struct {
	// ModelPath is the model file; model.DefaultPath when empty.
	ModelPath string

	// ModelFormat is the file format; inferred from ModelPath when empty.
	ModelFormat model.Format

	// PredictArity fixes the number of predict arguments. 0 accepts any
	// number of feature columns.
	PredictArity int

	// Cache shares loaded models across registrations. A nil cache gets a
	// private one.
	Cache *model.Cache
}

// Register adds onehot and predict to reg.
func Register(reg *expr.Registry, cfg Config) error {
	if cfg.PredictArity < 0 {
		return fmt.Errorf("register predict: negative arity %d", cfg.PredictArity)
	}
	if err := reg.Register(expr.Function{Name: "onehot", Arity: 1, Fn: OneHot}); err != nil {
		return err
	}

	arity := cfg.PredictArity
	if arity == 0 {
		arity = expr.Variadic
	}
	p := NewPredictor(cfg.Cache, cfg.ModelPath, cfg.ModelFormat)
	return reg.Register(expr.Function{Name: "predict", Arity: arity, Fn: PredictFunc(p)})
}

// OneHot is the onehot scalar function.
func OneHot(_ context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error) {
	list, err := onehot.Encode(alloc, args[0])
	if err != nil {
		return nil, err
	}
	return list, nil
}

// PredictFunc adapts p to a scalar function of any arity.
func PredictFunc(p *Predictor) expr.ScalarFunc {
	return func(ctx context.Context, alloc memory.Allocator, args []arrow.Array) (arrow.Array, error) {
		out, err := p.Predict(ctx, alloc, args)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
