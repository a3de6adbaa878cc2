package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// schemaSource is the CUE contract every configuration document must satisfy
// before the YAML decoder runs. It catches structural mistakes early and with
// better messages than decode errors.
const schemaSource = `
#Duration: string

name?:        string
description?: string
cycle?:       #Duration
hot_reload?:  bool

endpoint: {
	base_url: string
	timeout?: #Duration
	headers?: {[string]: string}
}

queries: [...{
	id:   string
	path: string
	params?: {[string]: string}
	refresh_interval?: #Duration
	stale_after?:      #Duration
	disable?:          bool
}]

derived?: [...{
	id:         string
	expression: string
	inputs: [...string]
}]

cache?: {
	driver?:         "memory" | "sqlite"
	path?:           string
	retention?:      #Duration
	prune_schedule?: string
}

connectivity?: {
	probe_url?: string
	interval?:  #Duration
	timeout?:   #Duration
}

logging?: {
	level?:  string
	format?: string
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

server?: {
	enabled?: bool
	listen?:  string
}
`

func validateSchema(raw []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	file, err := cueyaml.Extract("config.yaml", raw)
	if err != nil {
		return fmt.Errorf("parse config document: %w", err)
	}
	document := ctx.BuildFile(file)
	if err := document.Err(); err != nil {
		return fmt.Errorf("build config document: %w", err)
	}
	unified := schema.Unify(document)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}
