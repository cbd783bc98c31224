package call

import "errors"

var (
	// ErrNotFound means no active call owns the given id.
	ErrNotFound = errors.New("call: not found")

	// ErrAttachTimeout means the provider never delivered a usable media
	// stream within the attach window.
	ErrAttachTimeout = errors.New("call: media stream attach timeout")

	// ErrListenTimeout means the user said nothing within the transcript window.
	ErrListenTimeout = errors.New("call: listen timeout")

	// ErrUserHungUp means the far end ended the call mid-turn.
	ErrUserHungUp = errors.New("call: user hung up")

	// ErrCapacity means the concurrent-call cap rejected a new call.
	ErrCapacity = errors.New("call: concurrent call limit reached")
)
