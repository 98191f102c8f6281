// Package plan reads declarative transaction plans and compiles them into
// txn.Transaction values built from the orchestrator's record and
// allocation steps.
//
// Plans are YAML or CUE documents:
//
//	transaction_id: tx-enroll-001
//	operations:
//	  - id: create_student
//	    type: create_record
//	    target: student/new-1
//	    payload: {name: "A"}
//	  - id: enroll
//	    type: allocate
//	    depends_on: [create_student]
//	    pool: act-1
//	    requester: student/new-1
//	    quantity: 1
//
// String fields may reference dependency results as ${op.field}.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yyupcompany/kyyupgame-sub087/internal/txn"
)

// Plan is a decoded transaction plan.
type Plan struct {
	TransactionID string `yaml:"transaction_id" json:"transaction_id,omitempty"`
	Operations    []Step `yaml:"operations" json:"operations"`
}

// Step is one operation of a plan. Which fields apply depends on Type.
type Step struct {
	ID        string   `yaml:"id" json:"id"`
	Type      string   `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout   string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// create_record, update_record, delete_record
	Target  string         `yaml:"target,omitempty" json:"target,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Patch   map[string]any `yaml:"patch,omitempty" json:"patch,omitempty"`

	// allocate
	Pool         string `yaml:"pool,omitempty" json:"pool,omitempty"`
	Requester    string `yaml:"requester,omitempty" json:"requester,omitempty"`
	Quantity     uint64 `yaml:"quantity,omitempty" json:"quantity,omitempty"`
	AllowPartial bool   `yaml:"allow_partial,omitempty" json:"allow_partial,omitempty"`

	// release
	Allocation string `yaml:"allocation,omitempty" json:"allocation,omitempty"`
}

// StepTypes lists the supported step types.
var StepTypes = []string{
	txn.StepCreateRecord,
	txn.StepUpdateRecord,
	txn.StepDeleteRecord,
	txn.StepAllocate,
	txn.StepRelease,
}

// Load reads a plan file. Files ending in .cue are evaluated as CUE,
// anything else is parsed as YAML.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if filepath.Ext(path) == ".cue" {
		return ParseCUE(data, path)
	}
	return ParseYAML(data)
}

// ParseYAML decodes and validates a YAML plan. Unknown fields are rejected.
func ParseYAML(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &Error{Field: "operations", Message: "plan is empty"}
		}
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the per-type required fields. Dependency references and
// cycles are checked by the orchestrator.
func (p *Plan) Validate() error {
	if len(p.Operations) == 0 {
		return &Error{Field: "operations", Message: "at least one operation is required"}
	}
	for i, s := range p.Operations {
		field := fmt.Sprintf("operations[%d]", i)
		if s.ID == "" {
			return &Error{Field: field + ".id", Message: "id is required"}
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil || d <= 0 {
				return &Error{Field: field + ".timeout", Message: fmt.Sprintf("invalid duration %q", s.Timeout)}
			}
		}

		var missing string
		switch s.Type {
		case txn.StepCreateRecord, txn.StepDeleteRecord:
			if s.Target == "" {
				missing = "target"
			}
		case txn.StepUpdateRecord:
			switch {
			case s.Target == "":
				missing = "target"
			case len(s.Patch) == 0:
				missing = "patch"
			}
		case txn.StepAllocate:
			switch {
			case s.Pool == "":
				missing = "pool"
			case s.Requester == "":
				missing = "requester"
			case s.Quantity == 0:
				missing = "quantity"
			}
		case txn.StepRelease:
			if s.Allocation == "" {
				missing = "allocation"
			}
		default:
			return &Error{Field: field + ".type", Message: fmt.Sprintf("unknown step type %q", s.Type)}
		}
		if missing != "" {
			return &Error{Field: field + "." + missing, Message: fmt.Sprintf("%s is required for %s", missing, s.Type)}
		}
	}
	return nil
}
