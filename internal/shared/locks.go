package shared

import (
	"fmt"
	"strings"
)

// SequencerLockKey builds the redis key guarding nonce allocation for a sender.
func SequencerLockKey(sender string) string {
	return fmt.Sprintf("sequencer:%s:lock", strings.ToLower(sender))
}

// SequencerNextKey builds the redis key holding the next free nonce for a sender.
func SequencerNextKey(sender string) string {
	return fmt.Sprintf("sequencer:%s:next", strings.ToLower(sender))
}
