package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrChainUnsupported     = errors.New("chain has no configured endpoints")
	ErrNoReachableEndpoint  = errors.New("no reachable endpoint")
	ErrDuplicateActiveTrade = errors.New("active trade already exists for asset")
	ErrCapacityExceeded     = errors.New("max concurrent trades reached")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrInvalidTransition    = errors.New("invalid trade status transition")
)
