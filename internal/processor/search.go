// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/tombee/fluvioflow/internal/eventstore"
)

// WorkflowSummary is the result row SearchWorkflows returns: enough of a
// WorkflowMetadata to identify and inspect a matching instance without
// materializing its full state.
type WorkflowSummary struct {
	WorkflowID       string
	WorkflowType     string
	Tags             []string
	SearchAttributes map[string]any
	Lifecycle        eventstore.Lifecycle
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SearchFilter narrows SearchWorkflows. Equals is pushed down to the
// backend as a containment query; Expr, when set, is evaluated in process
// against each candidate's search attributes for predicates containment
// can't express (ranges, OR, negation).
type SearchFilter struct {
	WorkflowType string
	Equals       map[string]any
	Expr         string
}

// SetSearchAttributes merges attrs into workflowID's search attribute map,
// leaving existing keys not present in attrs untouched.
func (p *CommandProcessor) SetSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error {
	return p.backend.MergeSearchAttributes(ctx, workflowID, attrs)
}

// SearchWorkflows returns instances of filter.WorkflowType whose search
// attributes satisfy filter.Equals (pushed to the backend) and, if set,
// filter.Expr (evaluated here).
func (p *CommandProcessor) SearchWorkflows(ctx context.Context, filter SearchFilter) ([]WorkflowSummary, error) {
	metas, err := p.backend.SearchWorkflows(ctx, filter.WorkflowType, filter.Equals)
	if err != nil {
		return nil, fmt.Errorf("processor: search workflows: %w", err)
	}

	var program *expr.Program
	if filter.Expr != "" {
		program, err = expr.Compile(filter.Expr, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("processor: compile search expression: %w", err)
		}
	}

	out := make([]WorkflowSummary, 0, len(metas))
	for _, m := range metas {
		if program != nil {
			result, err := expr.Run(program, m.SearchAttributes)
			if err != nil {
				return nil, fmt.Errorf("processor: evaluate search expression for %s: %w", m.WorkflowID, err)
			}
			matched, _ := result.(bool)
			if !matched {
				continue
			}
		}
		out = append(out, WorkflowSummary{
			WorkflowID:       m.WorkflowID,
			WorkflowType:     m.WorkflowType,
			Tags:             m.Tags,
			SearchAttributes: m.SearchAttributes,
			Lifecycle:        m.Lifecycle,
			CreatedAt:        m.CreatedAt,
			UpdatedAt:        m.UpdatedAt,
		})
	}
	return out, nil
}
