package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrHalted             = errors.New("system halted")
	ErrNoActiveStrategy   = errors.New("no active strategy")
	ErrBrokerDisconnected = errors.New("broker disconnected")
	ErrUnknownTable       = errors.New("unknown table")
	ErrWSDisconnect       = errors.New("websocket disconnected")
)
