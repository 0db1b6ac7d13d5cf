package randomness

import "errors"

var (
	ErrNotParticipant      = errors.New("randomness: peer is not a participant")
	ErrUnknownRound        = errors.New("randomness: unknown round")
	ErrRoundFailed         = errors.New("randomness: round failed")
	ErrCommitClosed        = errors.New("randomness: commit phase is closed")
	ErrAlreadyCommitted    = errors.New("randomness: peer already committed")
	ErrNoCommitment        = errors.New("randomness: no commitment on record")
	ErrRevealNotOpen       = errors.New("randomness: reveal phase has not opened")
	ErrRevealClosed        = errors.New("randomness: reveal phase is closed")
	ErrRevealMismatch      = errors.New("randomness: reveal does not match commitment")
	ErrInsufficientReveals = errors.New("randomness: not enough valid reveals")
	ErrRollMismatch        = errors.New("randomness: roll does not match reveals")
)
