package fetch

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/holmbr/norq/nostr"
)

// IngestRule decides whether an externally supplied event is merged.
type IngestRule func(*nostr.Event) bool

// CompileIngestRule compiles a boolean expression evaluated against every
// event offered through Ingest. The expression sees kind, pubkey,
// identifier, created_at and content. Events failing evaluation are
// rejected.
func CompileIngestRule(rule string) (IngestRule, error) {
	program, err := expr.Compile(rule, expr.Env(ingestEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile ingest rule: %w", err)
	}
	return func(ev *nostr.Event) bool {
		if ev == nil {
			return false
		}
		out, err := vm.Run(program, ingestEnv(ev))
		if err != nil {
			return false
		}
		accepted, ok := out.(bool)
		return ok && accepted
	}, nil
}

func ingestEnv(ev *nostr.Event) map[string]interface{} {
	env := map[string]interface{}{
		"kind":       0,
		"pubkey":     "",
		"identifier": "",
		"created_at": int64(0),
		"content":    "",
	}
	if ev == nil {
		return env
	}
	env["kind"] = ev.Kind
	env["pubkey"] = ev.PubKey
	env["created_at"] = ev.CreatedAt
	env["content"] = ev.Content
	if id, ok := ev.Tags.Value("d"); ok {
		env["identifier"] = id
	}
	return env
}
