package models

import "errors"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrChatNotFound       = errors.New("chat not found")
	ErrChatAlreadyExists  = errors.New("chat already exists")
	ErrUserNotParticipant = errors.New("user is not a participant")
)
