package action

import "fmt"

// UnknownActionError is returned when an invocation names an unregistered action.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// MissingParameterError names the first required parameter that was absent or empty.
type MissingParameterError struct {
	Action string
	Param  string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("action %q: missing parameter %q", e.Action, e.Param)
}

// InvalidParameterError reports a supplied value of the wrong type.
type InvalidParameterError struct {
	Action string
	Param  string
	Want   ParamType
	Got    any
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("action %q: parameter %q must be a %s, got %T", e.Action, e.Param, e.Want, e.Got)
}
