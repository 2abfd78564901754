package monitorsvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/ozmonitor/orchestrator/pkg/types"
)

// exprExecutor is a minimal boolean-expression matcher: a script's content
// is either the literal "true"/"false" or a "key==value" comparison against
// the raw match's Data map. It exists to exercise fail-open/fail-closed
// semantics in tests; real sandboxed script languages are out-of-scope
// collaborators per spec §1.
type exprExecutor struct {
	content string
}

func (e *exprExecutor) Execute(ctx context.Context, match types.RawMatch, args map[string]string) (bool, error) {
	expr := strings.TrimSpace(e.content)
	switch expr {
	case "true", "":
		return true, nil
	case "false":
		return false, nil
	}
	if idx := strings.Index(expr, "=="); idx >= 0 {
		key := strings.TrimSpace(expr[:idx])
		want := strings.TrimSpace(expr[idx+2:])
		return match.Data[key] == want, nil
	}
	return false, fmt.Errorf("expr: unsupported expression %q", expr)
}

// ExprExecutorFactory is the ScriptExecutorFactory for the "expr" language.
type ExprExecutorFactory struct{}

// NewExprExecutorFactory constructs an ExprExecutorFactory.
func NewExprExecutorFactory() *ExprExecutorFactory {
	return &ExprExecutorFactory{}
}

func (f *ExprExecutorFactory) New(language, content string) (ScriptExecutor, error) {
	if language != "expr" {
		return nil, fmt.Errorf("expr factory: unsupported language %q", language)
	}
	return &exprExecutor{content: content}, nil
}
