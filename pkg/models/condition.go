package models

// ConditionOperator is one of the fixed comparison operators a workflow
// author can attach to a trigger or condition node.
type ConditionOperator string

const (
	OperatorEquals         ConditionOperator = "equals"
	OperatorNotEquals      ConditionOperator = "not_equals"
	OperatorGreaterThan    ConditionOperator = "greater_than"
	OperatorLessThan       ConditionOperator = "less_than"
	OperatorGreaterOrEqual ConditionOperator = "greater_or_equal"
	OperatorLessOrEqual    ConditionOperator = "less_or_equal"
	OperatorContains       ConditionOperator = "contains"
	OperatorIsEmpty        ConditionOperator = "is_empty"
	OperatorIsNotEmpty     ConditionOperator = "is_not_empty"
)

// KnownOperators lists every operator the evaluator understands.
var KnownOperators = []ConditionOperator{
	OperatorEquals,
	OperatorNotEquals,
	OperatorGreaterThan,
	OperatorLessThan,
	OperatorGreaterOrEqual,
	OperatorLessOrEqual,
	OperatorContains,
	OperatorIsEmpty,
	OperatorIsNotEmpty,
}

// ConditionLogic combines the results of multiple conditions.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// Condition compares a dotted-path field from the execution context against
// a literal value. Value is ignored by is_empty/is_not_empty.
type Condition struct {
	Field    string            `json:"field"    validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required,oneof=equals not_equals greater_than less_than greater_or_equal less_or_equal contains is_empty is_not_empty"`
	Value    any               `json:"value,omitempty"`
}
