package controller

import (
	"errors"
	"fmt"

	"github.com/nao1215/torlab/internal/config"
	"github.com/nao1215/torlab/internal/model"
)

var (
	// ErrActionConflict is returned when an action cannot run in the
	// current state, such as start on a network that is already starting.
	// Nothing is changed.
	ErrActionConflict = errors.New("action conflict")

	// ErrUnknownAction is returned for an action name that does not exist.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidNetwork is returned when a network definition is rejected.
	ErrInvalidNetwork = fmt.Errorf("%w: invalid network", config.ErrConfiguration)

	// ErrTooFewAuthorities is returned when a network would have fewer
	// directory authorities than a consensus needs.
	ErrTooFewAuthorities = fmt.Errorf("%w: a network needs at least %d directory authorities",
		config.ErrConfiguration, model.MinAuthorities)

	// ErrTooManyNodes is returned when a network exceeds the node ceiling.
	ErrTooManyNodes = fmt.Errorf("%w: a network may have at most %d nodes",
		config.ErrConfiguration, model.MaxNodes)
)
