package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cuongbtq/taskrouter/internal/codec"
	"github.com/cuongbtq/taskrouter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schemaHandler struct {
	schema codec.Schema
}

func (h schemaHandler) Handle(ctx context.Context, msg *domain.Message) (Result, error) {
	return Result{"ok": true}, nil
}

func (h schemaHandler) Schema() codec.Schema {
	return h.schema
}

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(ctx context.Context, msg *domain.Message) (Result, error) {
		return Result{"task_id": msg.TaskID}, nil
	})

	require.NoError(t, r.Register(domain.DomainExams, "hemogram", h))

	got, err := r.Lookup(domain.DomainExams, "hemogram")
	require.NoError(t, err)

	res, err := got.Handle(context.Background(), &domain.Message{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", res["task_id"])
}

func TestRegistry_RegisterErrors(t *testing.T) {
	noop := HandlerFunc(func(context.Context, *domain.Message) (Result, error) { return nil, nil })

	tests := []struct {
		name      string
		domain    domain.Domain
		operation string
		handler   Handler
		wantErr   error
		errString string
	}{
		{name: "unknown domain", domain: "billing", operation: "invoice", handler: noop, errString: "unknown domain"},
		{name: "empty operation", domain: domain.DomainOPME, operation: "", handler: noop, errString: "operation is required"},
		{name: "nil handler", domain: domain.DomainOPME, operation: "organ", handler: nil, errString: "nil handler"},
		{name: "duplicate", domain: domain.DomainOPME, operation: "prosthesis", handler: noop, wantErr: ErrDuplicateHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			require.NoError(t, r.Register(domain.DomainOPME, "prosthesis", noop))

			err := r.Register(tt.domain, tt.operation, tt.handler)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errString != "" {
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(domain.DomainExams, "hemogram", schemaHandler{}))

	_, err := r.Lookup(domain.DomainClinical, "hemogram")
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = r.Lookup(domain.DomainExams, "biopsy")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRegistry_Schema(t *testing.T) {
	r := NewRegistry()
	schema := codec.Schema{"requested_at": codec.FieldTimestamp}
	require.NoError(t, r.Register(domain.DomainExams, "hemogram", schemaHandler{schema: schema}))
	require.NoError(t, r.Register(domain.DomainExams, "xray", HandlerFunc(func(context.Context, *domain.Message) (Result, error) {
		return nil, nil
	})))

	var hints codec.HintSource = r
	assert.Equal(t, schema, hints.Schema(domain.DomainExams, "hemogram"))
	assert.Nil(t, hints.Schema(domain.DomainExams, "xray"))
	assert.Nil(t, hints.Schema(domain.DomainExams, "unknown"))
}

func TestRegistry_Operations(t *testing.T) {
	r := NewRegistry()
	for _, op := range []string{"mri", "hemogram", "xray"} {
		require.NoError(t, r.Register(domain.DomainExams, op, schemaHandler{}))
	}
	require.NoError(t, r.Register(domain.DomainOPME, "organ", schemaHandler{}))

	assert.Equal(t, []string{"hemogram", "mri", "xray"}, r.Operations(domain.DomainExams))
	assert.Empty(t, r.Operations(domain.DomainIngestion))
}

func TestPermanent(t *testing.T) {
	base := errors.New("missing field patient")
	err := fmt.Errorf("handle: %w", Permanent(base))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}
