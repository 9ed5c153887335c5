package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Decision is a validated planner choice.
type Decision struct {
	Thought string         `json:"thought"`
	Action  Action         `json:"action" validate:"required,oneof=list_tables describe_table sample_rows run_sql finish"`
	Args    map[string]any `json:"args"`
	Kind    StepKind       `json:"-"`
}

// FlexibleDecision is the step-typed planner output. Each step type has its
// own set of allowed fields.
type FlexibleDecision struct {
	Thought   string         `json:"thought"`
	StepType  StepKind       `json:"step_type" validate:"required,oneof=reasoning action finish"`
	Action    Action         `json:"action,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Answer    string         `json:"answer,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
	Plan      []string       `json:"plan,omitempty"`
	Analysis  string         `json:"analysis,omitempty"`
}

// ParseError explains why raw planner output was not a usable decision.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

func parseErrorf(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// allowedFields lists the keys each flexible step type may carry besides
// step_type and thought.
var allowedFields = map[StepKind][]string{
	StepReasoning: {"plan", "analysis"},
	StepAction:    {"action", "args"},
	StepFinish:    {"answer", "rationale", "action"},
}

var flexibleFields = []string{"action", "args", "answer", "rationale", "plan", "analysis"}

// FallbackDecision is the safe default used when planner output is unusable.
func FallbackDecision(reason string) Decision {
	return Decision{
		Thought: "validation failed: " + reason,
		Action:  ActionListTables,
		Args:    map[string]any{},
		Kind:    StepAction,
	}
}

// ParseDecision strictly decodes a JSON object into a Decision. Objects
// carrying step_type are decoded as FlexibleDecision first.
func ParseDecision(raw string) (Decision, error) {
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	if err := dec.Decode(&obj); err != nil {
		return Decision{}, parseErrorf("output is not a JSON object: %v", err)
	}
	if dec.More() {
		return Decision{}, parseErrorf("output has trailing data after the JSON object")
	}
	if obj == nil {
		return Decision{}, parseErrorf("output is null")
	}
	return decodeDecision(obj)
}

// ValidateDecision parses raw planner output, degrading to FallbackDecision.
func ValidateDecision(raw string) Decision {
	d, err := ParseDecision(raw)
	if err != nil {
		return FallbackDecision(err.Error())
	}
	return d
}

// Validate checks an already decoded object, degrading to FallbackDecision.
func Validate(obj map[string]any) Decision {
	if obj == nil {
		return FallbackDecision("decision is empty")
	}
	d, err := decodeDecision(obj)
	if err != nil {
		return FallbackDecision(err.Error())
	}
	return d
}

func decodeDecision(obj map[string]any) (Decision, error) {
	if _, ok := obj["step_type"]; ok {
		fd, err := decodeFlexible(obj)
		if err != nil {
			return Decision{}, err
		}
		return fd.Decision(), nil
	}

	thought, err := optionalString(obj, "thought")
	if err != nil {
		return Decision{}, err
	}
	action, ok := obj["action"].(string)
	if !ok {
		if _, present := obj["action"]; present {
			return Decision{}, parseErrorf("action must be a string")
		}
		return Decision{}, parseErrorf("action is required")
	}
	args, err := optionalObject(obj, "args")
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Thought: thought, Action: Action(action), Args: args, Kind: StepAction}
	if err := validate.Struct(d); err != nil {
		return Decision{}, describeValidation(err)
	}
	if d.Action == ActionFinish {
		d.Kind = StepFinish
	}
	if err := checkArgs(d.Action, d.Args); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func decodeFlexible(obj map[string]any) (FlexibleDecision, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return FlexibleDecision{}, parseErrorf("cannot re-encode decision: %v", err)
	}
	var fd FlexibleDecision
	if err := json.Unmarshal(data, &fd); err != nil {
		return FlexibleDecision{}, parseErrorf("malformed step: %v", err)
	}
	if err := validate.Struct(fd); err != nil {
		return FlexibleDecision{}, describeValidation(err)
	}

	allowed := map[string]bool{}
	for _, f := range allowedFields[fd.StepType] {
		allowed[f] = true
	}
	for _, f := range flexibleFields {
		if _, present := obj[f]; present && !allowed[f] {
			return FlexibleDecision{}, parseErrorf("%s step must not carry %q", fd.StepType, f)
		}
	}

	switch fd.StepType {
	case StepAction:
		if fd.Action == "" {
			return FlexibleDecision{}, parseErrorf("action step requires action")
		}
		if !fd.Action.Valid() || fd.Action == ActionFinish {
			return FlexibleDecision{}, parseErrorf("action step has invalid action %q", fd.Action)
		}
		if err := checkArgs(fd.Action, fd.Args); err != nil {
			return FlexibleDecision{}, err
		}
	case StepFinish:
		if strings.TrimSpace(fd.Answer) == "" {
			return FlexibleDecision{}, parseErrorf("finish step requires answer")
		}
		if fd.Action != "" && fd.Action != ActionFinish {
			return FlexibleDecision{}, parseErrorf("finish step must not name action %q", fd.Action)
		}
	}
	return fd, nil
}

// Decision converts the step into the controller's decision shape.
func (fd FlexibleDecision) Decision() Decision {
	switch fd.StepType {
	case StepReasoning:
		thought := fd.Thought
		if fd.Analysis != "" {
			thought = strings.TrimSpace(thought + "\n" + fd.Analysis)
		}
		if len(fd.Plan) > 0 {
			thought = strings.TrimSpace(thought + "\nplan: " + strings.Join(fd.Plan, "; "))
		}
		return Decision{Thought: thought, Args: map[string]any{}, Kind: StepReasoning}
	case StepFinish:
		args := map[string]any{"answer": fd.Answer}
		if fd.Rationale != "" {
			args["rationale"] = fd.Rationale
		}
		return Decision{Thought: fd.Thought, Action: ActionFinish, Args: args, Kind: StepFinish}
	default:
		args := fd.Args
		if args == nil {
			args = map[string]any{}
		}
		return Decision{Thought: fd.Thought, Action: fd.Action, Args: args, Kind: StepAction}
	}
}

func checkArgs(action Action, args map[string]any) error {
	switch action {
	case ActionRunSQL:
		return requireString(args, "sql", action)
	case ActionDescribeTable:
		return requireString(args, "table", action)
	case ActionSampleRows:
		if err := requireString(args, "table", action); err != nil {
			return err
		}
		if v, ok := args["limit"]; ok {
			if _, isNum := intArg(v); !isNum {
				return parseErrorf("sample_rows limit must be a number")
			}
		}
	case ActionListTables:
		if v, ok := args["keyword"]; ok {
			if _, isStr := v.(string); !isStr {
				return parseErrorf("list_tables keyword must be a string")
			}
		}
	case ActionFinish:
		for _, k := range []string{"answer", "rationale"} {
			if v, ok := args[k]; ok {
				if _, isStr := v.(string); !isStr {
					return parseErrorf("finish %s must be a string", k)
				}
			}
		}
	}
	return nil
}

func requireString(args map[string]any, key string, action Action) error {
	s, ok := args[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return parseErrorf("%s requires a non-empty %q argument", action, key)
	}
	return nil
}

func optionalString(obj map[string]any, key string) (string, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", parseErrorf("%s must be a string", key)
	}
	return s, nil
}

func optionalObject(obj map[string]any, key string) (map[string]any, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, parseErrorf("%s must be an object", key)
	}
	return m, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return parseErrorf("invalid decision: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			allowed := strings.Fields(fe.Param())
			sort.Strings(allowed)
			msgs = append(msgs, fmt.Sprintf("%s %q is not one of [%s]", fe.Field(), fmt.Sprint(fe.Value()), strings.Join(allowed, ", ")))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return &ParseError{Reason: strings.Join(msgs, "; ")}
}

// intArg reads an integer argument decoded from JSON or built in Go.
func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
