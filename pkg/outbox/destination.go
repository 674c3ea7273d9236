// Package outbox delivers sealed artifacts to configured destinations. The
// store is the queue: entries are leased, POSTed with an HMAC signature, and
// retried with exponential backoff until delivered or dead-lettered.
package outbox

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/settld-labs/settld/pkg/fault"
)

// Destination is one delivery target. ArtifactFilter, when set, is a CEL
// expression over {artifactType, tenantId}; an entry is enqueued only when
// the filter evaluates to true.
type Destination struct {
	ID             string `json:"id" yaml:"id"`
	URL            string `json:"url" yaml:"url"`
	Secret         string `json:"secret" yaml:"secret"`
	ArtifactFilter string `json:"artifactFilter,omitempty" yaml:"artifactFilter,omitempty"`
}

type routed struct {
	dest Destination
	prg  cel.Program
}

// Router holds destinations with their filters compiled. Filters compile at
// load time; a destination whose filter does not compile fails the whole
// load so a typo cannot silently open or close a route.
type Router struct {
	routes []routed
	byID   map[string]Destination
}

// NewRouter compiles every destination filter.
func NewRouter(dests []Destination) (*Router, error) {
	env, err := cel.NewEnv(
		cel.Variable("artifactType", cel.StringType),
		cel.Variable("tenantId", cel.StringType),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeSchemaInvalid, "cel environment", err)
	}
	r := &Router{byID: make(map[string]Destination, len(dests))}
	for _, d := range dests {
		if d.ID == "" || d.URL == "" || d.Secret == "" {
			return nil, fault.Newf(fault.CodeSchemaInvalid,
				"destination %q needs id, url and secret", d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fault.Newf(fault.CodeSchemaInvalid, "duplicate destination id %q", d.ID)
		}
		var prg cel.Program
		if d.ArtifactFilter != "" {
			ast, iss := env.Compile(d.ArtifactFilter)
			if iss != nil && iss.Err() != nil {
				return nil, fault.Wrap(fault.CodeSchemaInvalid,
					fmt.Sprintf("destination %q filter does not compile", d.ID), iss.Err())
			}
			prg, err = env.Program(ast)
			if err != nil {
				return nil, fault.Wrap(fault.CodeSchemaInvalid,
					fmt.Sprintf("destination %q filter does not compile", d.ID), err)
			}
		}
		r.routes = append(r.routes, routed{dest: d, prg: prg})
		r.byID[d.ID] = d
	}
	return r, nil
}

// Match returns the destinations that accept the given artifact. Filter
// evaluation errors fail closed: the destination is skipped.
func (r *Router) Match(artifactType, tenantID string) []Destination {
	var out []Destination
	for _, rt := range r.routes {
		if rt.prg != nil {
			val, _, err := rt.prg.Eval(map[string]any{
				"artifactType": artifactType,
				"tenantId":     tenantID,
			})
			if err != nil {
				continue
			}
			ok, isBool := val.Value().(bool)
			if !isBool || !ok {
				continue
			}
		}
		out = append(out, rt.dest)
	}
	return out
}

// ByID looks up a destination.
func (r *Router) ByID(id string) (Destination, bool) {
	d, ok := r.byID[id]
	return d, ok
}
