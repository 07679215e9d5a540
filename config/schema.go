package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// configSchema constrains the raw YAML document before it is decoded. The
// #Config definition is closed, so unknown keys are rejected instead of
// being silently dropped.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	name?:        string
	description?: string
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic" | "disabled" | ""
		format?: "json" | "text" | ""
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
	}
	metrics?: {
		enabled?: bool
		listen?:  string
	}
	store?: {
		driver?: "sqlite" | "memory" | ""
		path?:   string
	}
	relays?: [...string]
	fetch?: {
		reconcile_interval?: #Duration
		request_timeout?:    #Duration
		prune_interval?:     #Duration
		retention?:          #Duration
	}
	ingest?: {
		rule?: string
	}
	watch?: [...string]
}
`

func validateSchema(raw []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("resolve config schema: %w", err)
	}
	file, err := cueyaml.Extract("config.yaml", raw)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	data := ctx.BuildFile(file)
	if err := data.Err(); err != nil {
		return fmt.Errorf("build config data: %w", err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
