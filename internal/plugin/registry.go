// Package plugin dispatches directory operations to the handlers registered
// for an operation kind and phase.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/protocol"
)

// OperationKind is the kind of directory operation
type OperationKind int

const (
	OperationAdd OperationKind = iota
	OperationDelete
	OperationModify
	OperationModifyDN
)

func (k OperationKind) String() string {
	switch k {
	case OperationAdd:
		return "add"
	case OperationDelete:
		return "delete"
	case OperationModify:
		return "modify"
	case OperationModifyDN:
		return "modify_dn"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Phase is the point of the operation lifecycle a handler runs at
type Phase int

const (
	PhasePreParse Phase = iota
	PhasePreOperation
	PhasePostOperation
	PhasePostResponse
	// PhaseConflict runs when a replicated operation is replayed
	PhaseConflict
)

func (p Phase) String() string {
	switch p {
	case PhasePreParse:
		return "pre_parse"
	case PhasePreOperation:
		return "pre_operation"
	case PhasePostOperation:
		return "post_operation"
	case PhasePostResponse:
		return "post_response"
	case PhaseConflict:
		return "conflict"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Operation carries one directory operation through the handlers. Handlers
// may rewrite its fields; later handlers see the rewritten values.
type Operation struct {
	Kind          OperationKind
	DN            string
	Entry         *model.Entry
	Modifications []model.Modification
	NewRDN        string
	DeleteOldRDN  bool
	NewSuperior   string

	ChangeNumber model.ChangeNumber
	EntryUUID    string

	// Replicated is set when the operation came from another replica; Message is the update received.
	Replicated bool
	Message    protocol.UpdateMsg
}

// ResultKind tells the registry what to do after a handler returns
type ResultKind int

const (
	ResultContinue ResultKind = iota
	ResultSkipRemaining
	ResultStop
)

// Stop describes how the operation ends when a handler stops it
type Stop struct {
	ResultCode   int
	MatchedDN    string
	ReferralURLs []string
	Message      string
}

// Result is returned by every handler
type Result struct {
	Kind ResultKind
	Stop *Stop
}

// Continue lets the next handler run
func Continue() Result {
	return Result{Kind: ResultContinue}
}

// SkipRemaining lets the operation proceed without running the remaining handlers of the phase
func SkipRemaining() Result {
	return Result{Kind: ResultSkipRemaining}
}

// StopOperation ends the operation with the given LDAP result code
func StopOperation(resultCode int, message string) Result {
	return Result{Kind: ResultStop, Stop: &Stop{ResultCode: resultCode, Message: message}}
}

// Stopped reports whether the operation must not proceed
func (r Result) Stopped() bool {
	return r.Kind == ResultStop
}

// Err converts a stop result into an error, nil otherwise
func (r Result) Err() error {
	if r.Kind != ResultStop || r.Stop == nil {
		return nil
	}
	err := errors.Stopped(r.Stop.ResultCode, r.Stop.Message)
	if r.Stop.MatchedDN != "" {
		err = err.WithDetail("matched_dn", r.Stop.MatchedDN)
	}
	if len(r.Stop.ReferralURLs) > 0 {
		err = err.WithDetail("referrals", r.Stop.ReferralURLs)
	}
	return err
}

// Handler processes an operation at one phase
type Handler func(ctx context.Context, op *Operation) Result

type registration struct {
	name    string
	handler Handler
}

type key struct {
	kind  OperationKind
	phase Phase
}

// Registry holds the handlers, in registration order, per kind and phase
type Registry struct {
	mu       sync.RWMutex
	handlers map[key][]registration
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[key][]registration),
		logger:   logger,
	}
}

// Register appends a handler. Registering the same name twice for a kind and
// phase replaces the earlier handler in place.
func (r *Registry) Register(kind OperationKind, phase Phase, name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind: kind, phase: phase}
	for i, reg := range r.handlers[k] {
		if reg.name == name {
			r.handlers[k][i].handler = handler
			return
		}
	}
	r.handlers[k] = append(r.handlers[k], registration{name: name, handler: handler})
}

// RegisterAll registers handler for every operation kind at phase
func (r *Registry) RegisterAll(phase Phase, name string, handler Handler) {
	for _, kind := range []OperationKind{OperationAdd, OperationDelete, OperationModify, OperationModifyDN} {
		r.Register(kind, phase, name, handler)
	}
}

// Handlers returns the names registered for kind and phase, in call order
func (r *Registry) Handlers(kind OperationKind, phase Phase) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[key{kind: kind, phase: phase}]
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.name
	}
	return names
}

// Invoke runs the handlers of kind and phase in order until one of them
// skips the remaining handlers or stops the operation.
func (r *Registry) Invoke(ctx context.Context, kind OperationKind, phase Phase, op *Operation) Result {
	r.mu.RLock()
	regs := append([]registration(nil), r.handlers[key{kind: kind, phase: phase}]...)
	r.mu.RUnlock()

	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return StopOperation(ResultCodeCancelled, err.Error())
		}

		result := reg.handler(ctx, op)
		switch result.Kind {
		case ResultSkipRemaining:
			return Continue()
		case ResultStop:
			if result.Stop == nil {
				result.Stop = &Stop{ResultCode: ResultCodeOther}
			}
			r.logger.Debug("Operation stopped by plugin",
				zap.String("plugin", reg.name),
				zap.Stringer("kind", kind),
				zap.Stringer("phase", phase),
				zap.String("dn", op.DN),
				zap.Int("result_code", result.Stop.ResultCode),
				zap.String("message", result.Stop.Message))
			return result
		}
	}
	return Continue()
}
