// Package auth defines the permissions of the build API.
package auth

import (
	"fmt"
	"slices"
)

const (
	PermBuildCreate = "build.create"
	PermBuildRead   = "build.read"
	PermAll         = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Known lists every grantable permission.
func Known() []string {
	return []string{PermBuildCreate, PermBuildRead}
}

// Check returns a ForbiddenError unless granted contains perm or the
// wildcard. Creating builds implies reading them.
func Check(granted []string, perm string) error {
	if slices.Contains(granted, PermAll) || slices.Contains(granted, perm) {
		return nil
	}
	if perm == PermBuildRead && slices.Contains(granted, PermBuildCreate) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
