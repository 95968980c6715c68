package async

import (
	"strings"

	"github.com/teranos/recurring/errors"
)

// Field names a queued_jobs column that predicates and updates may touch
type Field string

const (
	FieldID        Field = "id"
	FieldQueue     Field = "queue"
	FieldHandler   Field = "handler"
	FieldPriority  Field = "priority"
	FieldAttempts  Field = "attempts"
	FieldLastError Field = "last_error"
	FieldRunAt     Field = "run_at"
	FieldLockedAt  Field = "locked_at"
	FieldLockedBy  Field = "locked_by"
	FieldFailedAt  Field = "failed_at"
)

var knownFields = map[Field]bool{
	FieldID: true, FieldQueue: true, FieldHandler: true, FieldPriority: true,
	FieldAttempts: true, FieldLastError: true, FieldRunAt: true,
	FieldLockedAt: true, FieldLockedBy: true, FieldFailedAt: true,
}

// Op is a comparison operator
type Op string

const (
	OpEq      Op = "="
	OpNotEq   Op = "!="
	OpIsNull  Op = "IS NULL"
	OpNotNull Op = "IS NOT NULL"
)

// Condition compares one field. Value is ignored for the null checks.
type Condition struct {
	Field Field
	Op    Op
	Value interface{}
}

// Predicate is a conjunction of conditions. The zero value matches every job.
type Predicate struct {
	Conditions []Condition
}

// Where builds a predicate from conditions
func Where(conds ...Condition) Predicate {
	return Predicate{Conditions: conds}
}

// And returns a new predicate with c appended
func (p Predicate) And(c Condition) Predicate {
	conds := make([]Condition, 0, len(p.Conditions)+1)
	conds = append(conds, p.Conditions...)
	return Predicate{Conditions: append(conds, c)}
}

// Eq matches field = value
func Eq(f Field, v interface{}) Condition { return Condition{Field: f, Op: OpEq, Value: v} }

// NotEq matches field != value. Rows where the field is NULL do not match.
func NotEq(f Field, v interface{}) Condition { return Condition{Field: f, Op: OpNotEq, Value: v} }

// IsNull matches field IS NULL
func IsNull(f Field) Condition { return Condition{Field: f, Op: OpIsNull} }

// NotNull matches field IS NOT NULL
func NotNull(f Field) Condition { return Condition{Field: f, Op: OpNotNull} }

// toSQL renders the predicate as a parameterised WHERE body.
// Field names come from a fixed whitelist, values are always bound.
func (p Predicate) toSQL() (string, []interface{}, error) {
	if len(p.Conditions) == 0 {
		return "1=1", nil, nil
	}

	parts := make([]string, 0, len(p.Conditions))
	var args []interface{}
	for _, c := range p.Conditions {
		if !knownFields[c.Field] {
			return "", nil, errors.NewInvalidRequestError("unknown job field %q", c.Field)
		}
		switch c.Op {
		case OpEq, OpNotEq:
			if c.Value == nil {
				return "", nil, errors.NewInvalidRequestError("%s %s needs a value, use IsNull/NotNull", c.Field, c.Op)
			}
			parts = append(parts, string(c.Field)+" "+string(c.Op)+" ?")
			args = append(args, bindValue(c.Value))
		case OpIsNull, OpNotNull:
			parts = append(parts, string(c.Field)+" "+string(c.Op))
		default:
			return "", nil, errors.NewInvalidRequestError("unknown operator %q", c.Op)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

// String renders the predicate for logs
func (p Predicate) String() string {
	where, args, err := p.toSQL()
	if err != nil {
		return "invalid predicate: " + err.Error()
	}
	for _, a := range args {
		where = strings.Replace(where, "?", quoteForLog(a), 1)
	}
	return where
}
