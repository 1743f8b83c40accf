package llm

import (
	"context"
	"errors"
)

type fallbackGenerator struct {
	primary   Generator
	secondary Generator
}

// NewFallback tries the primary generator and, on any failure, makes exactly
// one attempt against the secondary. It never retries beyond that single
// extra attempt.
func NewFallback(primary, secondary Generator) Generator {
	return &fallbackGenerator{primary: primary, secondary: secondary}
}

func (f *fallbackGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	reply, err := f.primary.Generate(ctx, req)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return Reply{}, err
	}
	reply, ferr := f.secondary.Generate(ctx, req)
	if ferr != nil {
		return Reply{}, errors.Join(err, ferr)
	}
	return reply, nil
}
