package ostree

import "fmt"

// ResolveRefError is returned when a ref or commit cannot be resolved.
type ResolveRefError struct {
	msg string
}

func (e ResolveRefError) Error() string {
	return e.msg
}

func NewResolveRefError(msg string, args ...any) ResolveRefError {
	return ResolveRefError{msg: fmt.Sprintf(msg, args...)}
}

// RefError is returned for a malformed ref or branch name.
type RefError struct {
	msg string
}

func (e RefError) Error() string {
	return e.msg
}

func NewRefError(msg string, args ...any) RefError {
	return RefError{msg: fmt.Sprintf(msg, args...)}
}

// ParameterComboError is returned when commit options contradict each other.
type ParameterComboError struct {
	msg string
}

func (e ParameterComboError) Error() string {
	return e.msg
}

func NewParameterComboError(msg string, args ...any) ParameterComboError {
	return ParameterComboError{msg: fmt.Sprintf(msg, args...)}
}
