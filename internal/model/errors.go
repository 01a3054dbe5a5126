package model

import (
	"errors"
)

var (
	ErrNoMatch       = errors.New("no match")
	ErrInvalidTarget = errors.New("invalid target")
)
