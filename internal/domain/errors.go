package domain

import "errors"

var (
	// ErrRouteNotFound is returned by stores when no record matches
	ErrRouteNotFound = errors.New("route not found")

	// ErrDuplicateRoute is returned when a route name is already taken
	ErrDuplicateRoute = errors.New("route name already exists")
)
